// Package ingest accepts normalized provider webhooks and turns them into
// stored messages plus enrichment jobs.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"mailpilot.app/enrich/common/logger"
	"mailpilot.app/enrich/internal/model"
	"mailpilot.app/enrich/internal/queue"
	"mailpilot.app/enrich/internal/store"
	"mailpilot.app/enrich/internal/threadindex"
)

// NormalizedMessage is the provider-agnostic shape both webhook handlers
// produce. ConversationIndex is Outlook-only and may be empty.
type NormalizedMessage struct {
	ConvID            string             `json:"conv_id"`
	MessageID         string             `json:"message_id"`
	Provider          string             `json:"provider"`
	Owner             string             `json:"owner"`
	Sender            string             `json:"sender"`
	Recipients        []string           `json:"recipients"`
	CC                []string           `json:"cc,omitempty"`
	BCC               []string           `json:"bcc,omitempty"`
	Subject           string             `json:"subject"`
	Body              string             `json:"body"`
	ReceivedAt        time.Time          `json:"received_at"`
	Attachments       []model.Attachment `json:"attachments,omitempty"`
	ConversationIndex string             `json:"conversation_index,omitempty"`
	Stages            []string           `json:"stages,omitempty"`
}

type Service struct {
	store    store.ConversationStore
	producer queue.Producer
}

func NewService(st store.ConversationStore, producer queue.Producer) *Service {
	return &Service{store: st, producer: producer}
}

// Submit stores the message and dispatches its enrichment job. Everything is
// idempotent under webhook redelivery: the append is declined for a known
// message, and the dispatch record is only written after a successful
// enqueue, so a redelivery that follows a transient enqueue failure still
// gets its job onto the stream.
func (s *Service) Submit(ctx context.Context, nm NormalizedMessage) error {
	convID := NormalizeID(nm.ConvID)
	messageID := NormalizeID(nm.MessageID)
	if convID == "" || messageID == "" {
		return fmt.Errorf("conv_id and message_id are required")
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConvID:    logger.Ptr(convID),
		MessageID: logger.Ptr(messageID),
		Owner:     logger.Ptr(nm.Owner),
		Component: "enrich.ingest",
	})

	conv, err := s.store.UpsertConversation(ctx, convID, nm.Owner)
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}

	msg := &model.Message{
		MessageID:   messageID,
		Provider:    nm.Provider,
		Sender:      nm.Sender,
		Recipients:  nm.Recipients,
		CC:          nm.CC,
		BCC:         nm.BCC,
		Subject:     nm.Subject,
		Body:        StripQuotedHistory(nm.Body),
		ReceivedAt:  nm.ReceivedAt,
		Attachments: nm.Attachments,
	}
	if nm.Provider == model.ProviderOutlook && nm.ConversationIndex != "" {
		msg.ReplyCountHint = threadindex.Decode(nm.ConversationIndex).ReplyCount
	}

	added, err := s.store.AppendMessage(ctx, convID, msg)
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	if !added && conv.LastDispatchedMessageID == messageID {
		slog.InfoContext(ctx, "message already dispatched, skipping enqueue")
		return nil
	}

	var traceID *string
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = logger.Ptr(sc.TraceID().String())
	}

	job := model.Job{ConvID: convID, MessageID: messageID, Owner: nm.Owner, Stages: nm.Stages}
	if err := s.producer.Enqueue(ctx, queue.JobMessage{Job: job, TraceID: traceID}); err != nil {
		return fmt.Errorf("enqueuing job: %w", err)
	}

	// Recorded only after the enqueue succeeds; a failed recording just
	// means one redundant job on a later redelivery, which the engine
	// absorbs.
	if _, err := s.store.MarkDispatched(ctx, convID, messageID); err != nil {
		slog.WarnContext(ctx, "failed to record dispatch", "error", err)
	}

	slog.InfoContext(ctx, "message ingested", "job_id", job.ID(),
		"attachments", len(msg.Attachments), "reply_count_hint", msg.ReplyCountHint)
	return nil
}
