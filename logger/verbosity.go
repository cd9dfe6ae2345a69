package logger

import "go.uber.org/zap/zapcore"

// Verbosity is the count of -v flags on the command line.
const (
	VerbosityUser  = 0 // results and errors
	VerbosityInfo  = 1 // -v: worker and registry lifecycle
	VerbosityDebug = 2 // -vv: cache traffic, config details
	VerbosityTrace = 3 // -vvv: stage transitions printed as they happen
	VerbosityAll   = 4 // -vvvv: full entity payloads
)

var levelNames = [...]string{"User", "Info (-v)", "Debug (-vv)", "Trace (-vvv)", "All (-vvvv)"}

// VerbosityToLevel picks the zap level for a flag count. Trace and All log
// at debug; the extra detail they enable is printed by the CLI itself.
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= VerbosityUser:
		return zapcore.WarnLevel
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func ShouldLogTrace(verbosity int) bool { return verbosity >= VerbosityTrace }

func ShouldLogAll(verbosity int) bool { return verbosity >= VerbosityAll }

// LevelName describes a flag count for the startup debug line
func LevelName(verbosity int) string {
	switch {
	case verbosity < 0:
		return "Unknown"
	case verbosity > VerbosityAll:
		return "All (-vvvv+)"
	default:
		return levelNames[verbosity]
	}
}
