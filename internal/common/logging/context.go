package logging

import "context"

type contextKey int

const (
	runIDKey contextKey = iota
	recordIDKey
	stepKey
)

// ContextWithRunID tags ctx with the identifier of the current batch run.
func ContextWithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// ContextWithRecord tags ctx with the record being enriched.
func ContextWithRecord(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, recordIDKey, id)
}

// ContextWithStep tags ctx with the enrichment step currently running.
func ContextWithStep(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stepKey, name)
}

// RecordIDFromContext returns the record id stored by ContextWithRecord.
func RecordIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(recordIDKey).(string)
	return id, ok
}

func contextFields(ctx context.Context) []Field {
	var fields []Field
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		fields = append(fields, String("run_id", v))
	}
	if v, ok := ctx.Value(recordIDKey).(string); ok && v != "" {
		fields = append(fields, String("record", v))
	}
	if v, ok := ctx.Value(stepKey).(string); ok && v != "" {
		fields = append(fields, String("step", v))
	}
	return fields
}
