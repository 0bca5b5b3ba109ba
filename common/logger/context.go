package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, so business context (conversation,
// message, stage) shows up in every log statement without threading it by hand.
type LogFields struct {
	ConvID     *string // conversation (thread) ID
	MessageID  *string // provider message ID
	Owner      *string // mailbox owner address
	StreamID   *string // Redis stream entry ID
	JobAttempt *int32  // delivery attempt for the current job
	Stage      *string // enrichment stage currently running
	Component  string  // component name (e.g. "enrich.engine", "enrich.worker")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

// mergeFields merges two LogFields, preferring non-nil/non-empty values from 'new'.
func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.ConvID != nil {
		result.ConvID = new.ConvID
	}
	if new.MessageID != nil {
		result.MessageID = new.MessageID
	}
	if new.Owner != nil {
		result.Owner = new.Owner
	}
	if new.StreamID != nil {
		result.StreamID = new.StreamID
	}
	if new.JobAttempt != nil {
		result.JobAttempt = new.JobAttempt
	}
	if new.Stage != nil {
		result.Stage = new.Stage
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{ConvID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging potentially long strings like prompts or error messages.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
