package store

import (
	"context"
	"errors"
	"time"

	"mailpilot.app/enrich/internal/model"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("not found")

// ConversationStore persists conversations and their messages. Every write is
// field-scoped: concurrent stages of the same job touch disjoint fields, so
// no write path ever replaces a whole message document.
type ConversationStore interface {
	// UpsertConversation creates the conversation on first contact and
	// returns it either way.
	UpsertConversation(ctx context.Context, convID, owner string) (*model.Conversation, error)

	// AppendMessage adds a message to the conversation. A message that is
	// already present is left untouched and the call reports false.
	AppendMessage(ctx context.Context, convID string, msg *model.Message) (bool, error)

	GetMessage(ctx context.Context, convID, messageID string) (*model.Message, error)

	// ListMessagesBefore returns the conversation's messages received
	// strictly before the given time, ascending by received time.
	ListMessagesBefore(ctx context.Context, convID string, before time.Time) ([]model.Message, error)

	// SetPreviousSummary records the prior-conversation summary for a
	// message. Write-once: an existing value is never replaced.
	SetPreviousSummary(ctx context.Context, convID, messageID, summary string) error

	// SetAttachmentSummary records one attachment's summary inside the
	// message's attachment array. Write-once per attachment.
	SetAttachmentSummary(ctx context.Context, convID, messageID, attachmentID, summary string) error

	// MergeAnalysis merges the non-empty fields of partial into the
	// message's analysis. Existing fields not present in partial survive.
	MergeAnalysis(ctx context.Context, convID, messageID string, partial model.AnalysisResult) error

	// MarkDispatched records that a job for the message has been enqueued.
	// Written only after a successful enqueue, so a transient enqueue
	// failure never leaves a record that would suppress a later dispatch.
	// Reports true when this call changed the record, false when the same
	// message was already recorded.
	MarkDispatched(ctx context.Context, convID, messageID string) (bool, error)
}
