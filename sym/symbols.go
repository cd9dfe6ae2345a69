// Package sym holds the glyphs used in CLI output and as the "symbol" field
// of structured logs.
package sym

// Subsystem glyphs.
const (
	AM     = "≡" // configuration
	Entity = "▣" // interview records
	Addr   = "⌖" // address space
	Slot   = "▦" // snapshot cache
	Link   = "⋈" // relationship graph
	Pulse  = "꩜" // enrichment pipeline and workers
	DB     = "⊔" // snapshot database
)

// Worker pool lifecycle.
const (
	PulseOpen  = "✿"
	PulseClose = "❀"
)

// Interview kinds, one per address partition.
const (
	Component  = "◇"
	Tool       = "⚒"
	Escalation = "⇪"
	EEI        = "◎"
)

// Command is a top-level CLI command with its glyph.
type Command struct {
	Name    string
	Glyph   string
	Summary string
}

// Commands lists the glyph-bearing CLI commands in help order.
var Commands = []Command{
	{"am", AM, "Show, validate and set configuration"},
	{"entity", Entity, "Create, read, update and delete interviews"},
	{"link", Link, "Manage relationship graph edges"},
	{"pipeline", Pulse, "Inspect and run the enrichment pipeline"},
	{"db", DB, "Snapshot database statistics"},
}

// ForCommand returns the glyph of a top-level command, "" when it has none
func ForCommand(name string) string {
	for _, c := range Commands {
		if c.Name == name {
			return c.Glyph
		}
	}
	return ""
}

var categoryGlyphs = map[string]string{
	"component":  Component,
	"tool":       Tool,
	"escalation": Escalation,
	"eei":        EEI,
}

// CategoryGlyph returns the glyph for an interview category name
func CategoryGlyph(category string) string {
	return categoryGlyphs[category]
}
