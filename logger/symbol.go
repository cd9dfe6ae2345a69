package logger

import (
	"github.com/teranos/nodereg/sym"
	"go.uber.org/zap"
)

// Symbols travel as a structured field so messages stay plain and logs can
// be filtered by subsystem: logger.PulseInfow("Ticket advanced", ...) rather
// than logger.Infow(sym.Pulse+" Ticket advanced", ...).

func symbolFields(symbol string, keysAndValues []interface{}) []interface{} {
	return append([]interface{}{FieldSymbol, symbol}, keysAndValues...)
}

// SymbolInfow logs at info with an arbitrary symbol
func SymbolInfow(symbol, msg string, keysAndValues ...interface{}) {
	Logger.Infow(msg, symbolFields(symbol, keysAndValues)...)
}

// PulseInfow logs pipeline activity (꩜)
func PulseInfow(msg string, keysAndValues ...interface{}) {
	SymbolInfow(sym.Pulse, msg, keysAndValues...)
}

func PulseWarnw(msg string, keysAndValues ...interface{}) {
	Logger.Warnw(msg, symbolFields(sym.Pulse, keysAndValues)...)
}

// DBInfow logs persistence activity (⊔)
func DBInfow(msg string, keysAndValues ...interface{}) {
	SymbolInfow(sym.DB, msg, keysAndValues...)
}

// Instance loggers carry their subsystem symbol on every line:
//
//	c.logger = logger.AddSlotSymbol(logger.ComponentLogger("slot"))

func withSymbol(l *zap.SugaredLogger, symbol string) *zap.SugaredLogger {
	return l.With(FieldSymbol, symbol)
}

func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger  { return withSymbol(l, sym.Pulse) }
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger     { return withSymbol(l, sym.DB) }
func AddSlotSymbol(l *zap.SugaredLogger) *zap.SugaredLogger   { return withSymbol(l, sym.Slot) }
func AddLinkSymbol(l *zap.SugaredLogger) *zap.SugaredLogger   { return withSymbol(l, sym.Link) }
func AddAddrSymbol(l *zap.SugaredLogger) *zap.SugaredLogger   { return withSymbol(l, sym.Addr) }
func AddEntitySymbol(l *zap.SugaredLogger) *zap.SugaredLogger { return withSymbol(l, sym.Entity) }
