package logger

import (
	"context"

	"go.uber.org/zap"
)

// Field names shared by every component's structured logs.
const (
	// Identity and context
	FieldEntityID  = "entity_id"
	FieldTicketID  = "ticket_id"
	FieldEdgeID    = "edge_id"
	FieldRequestID = "request_id"
	FieldWorkerID  = "worker_id"

	// Components
	FieldComponent = "component"

	// Registry
	FieldAddress   = "address"
	FieldCategory  = "category"
	FieldSlotKey   = "slot_key"
	FieldVersion   = "version"
	FieldStage     = "stage"
	FieldPriority  = "priority"
	FieldRelation  = "relation"
	FieldDepth     = "depth"
	FieldOperation = "operation"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError  = "error"
	FieldReason = "reason"

	// Counts and sizes
	FieldCount    = "count"
	FieldCapacity = "capacity"
	FieldSize     = "size"

	// Files and paths
	FieldPath = "path"

	// Symbol glyph (꩜, ✿, ❀, ⊔, ...)
	FieldSymbol = "symbol"
)

type contextKey string

const (
	entityIDKey  contextKey = "logger_entity_id"
	requestIDKey contextKey = "logger_request_id"
	componentKey contextKey = "logger_component"
)

// contextFields lists the context keys copied onto log lines, in output order
var contextFields = []struct {
	key   contextKey
	field string
}{
	{entityIDKey, FieldEntityID},
	{requestIDKey, FieldRequestID},
	{componentKey, FieldComponent},
}

func WithEntityID(ctx context.Context, entityID string) context.Context {
	return context.WithValue(ctx, entityIDKey, entityID)
}

// WithRequestID tags every line logged through FromContext(ctx, ...).
// The CLI sets one per invocation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext returns the key/value pairs carried by ctx
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}
	for _, cf := range contextFields {
		if v, ok := ctx.Value(cf.key).(string); ok && v != "" {
			fields = append(fields, cf.field, v)
		}
	}
	return fields
}

// FromContext returns l enriched with the fields carried by ctx.
func FromContext(ctx context.Context, l *zap.SugaredLogger) *zap.SugaredLogger {
	if fields := FieldsFromContext(ctx); len(fields) > 0 {
		return l.With(fields...)
	}
	return l
}

func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	return FromContext(ctx, Logger)
}

// ComponentLogger names a logger after the package holding it
// (slot, addr, pulse, ...). Components keep it as a field.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
