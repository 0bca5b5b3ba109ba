package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mailpilot.app/enrich/common/id"
	"mailpilot.app/enrich/core/db"
	"mailpilot.app/enrich/internal/model"
)

// Postgres implements ConversationStore on pgx. Attachments and analysis live
// as JSONB columns so stage writes can target single fields without reading
// the row first.
type Postgres struct {
	db *db.DB
}

func NewPostgres(database *db.DB) *Postgres {
	return &Postgres{db: database}
}

func (s *Postgres) UpsertConversation(ctx context.Context, convID, owner string) (*model.Conversation, error) {
	const q = `
		INSERT INTO conversations (id, conv_id, owner_address)
		VALUES ($1, $2, $3)
		ON CONFLICT (conv_id) DO UPDATE SET owner_address = EXCLUDED.owner_address
		RETURNING id, conv_id, owner_address, coalesce(last_dispatched_message_id, ''), created_at`

	var conv model.Conversation
	err := s.db.Pool().QueryRow(ctx, q, id.New(), convID, owner).Scan(
		&conv.ID, &conv.ConvID, &conv.OwnerAddress, &conv.LastDispatchedMessageID, &conv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upserting conversation: %w", err)
	}
	return &conv, nil
}

func (s *Postgres) AppendMessage(ctx context.Context, convID string, msg *model.Message) (bool, error) {
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return false, fmt.Errorf("marshaling attachments: %w", err)
	}

	const q = `
		INSERT INTO messages (
			id, conv_id, message_id, provider, sender, recipients, cc, bcc,
			subject, body, received_at, attachments, reply_count_hint
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (conv_id, message_id) DO NOTHING`

	tag, err := s.db.Pool().Exec(ctx, q,
		id.New(), convID, msg.MessageID, msg.Provider, msg.Sender,
		msg.Recipients, msg.CC, msg.BCC,
		msg.Subject, msg.Body, msg.ReceivedAt, attachments, msg.ReplyCountHint)
	if err != nil {
		return false, fmt.Errorf("appending message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const messageColumns = `
	message_id, provider, sender, recipients, cc, bcc, subject, body,
	received_at, attachments, reply_count_hint, previous_summary, analysis`

func (s *Postgres) GetMessage(ctx context.Context, convID, messageID string) (*model.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE conv_id = $1 AND message_id = $2`

	row := s.db.Pool().QueryRow(ctx, q, convID, messageID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting message: %w", err)
	}
	return msg, nil
}

func (s *Postgres) ListMessagesBefore(ctx context.Context, convID string, before time.Time) ([]model.Message, error) {
	q := `SELECT ` + messageColumns + `
		FROM messages
		WHERE conv_id = $1 AND received_at < $2
		ORDER BY received_at ASC`

	rows, err := s.db.Pool().Query(ctx, q, convID, before)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

func (s *Postgres) SetPreviousSummary(ctx context.Context, convID, messageID, summary string) error {
	const q = `
		UPDATE messages SET previous_summary = $3
		WHERE conv_id = $1 AND message_id = $2 AND previous_summary IS NULL`

	if _, err := s.db.Pool().Exec(ctx, q, convID, messageID, summary); err != nil {
		return fmt.Errorf("setting previous summary: %w", err)
	}
	return nil
}

func (s *Postgres) SetAttachmentSummary(ctx context.Context, convID, messageID, attachmentID, summary string) error {
	// Rebuild the array with only the target element changed; elements that
	// already carry a summary are left as they are.
	const q = `
		UPDATE messages SET attachments = (
			SELECT coalesce(jsonb_agg(
				CASE WHEN att->>'id' = $3 AND att->'summary' IS NULL
				     THEN jsonb_set(att, '{summary}', to_jsonb($4::text))
				     ELSE att
				END ORDER BY ord
			), '[]'::jsonb)
			FROM jsonb_array_elements(attachments) WITH ORDINALITY AS t(att, ord)
		)
		WHERE conv_id = $1 AND message_id = $2 AND attachments IS NOT NULL`

	if _, err := s.db.Pool().Exec(ctx, q, convID, messageID, attachmentID, summary); err != nil {
		return fmt.Errorf("setting attachment summary: %w", err)
	}
	return nil
}

func (s *Postgres) MergeAnalysis(ctx context.Context, convID, messageID string, partial model.AnalysisResult) error {
	data, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("marshaling analysis: %w", err)
	}

	const q = `
		UPDATE messages SET analysis = coalesce(analysis, '{}'::jsonb) || $3::jsonb
		WHERE conv_id = $1 AND message_id = $2`

	if _, err := s.db.Pool().Exec(ctx, q, convID, messageID, data); err != nil {
		return fmt.Errorf("merging analysis: %w", err)
	}
	return nil
}

func (s *Postgres) MarkDispatched(ctx context.Context, convID, messageID string) (bool, error) {
	const q = `
		UPDATE conversations SET last_dispatched_message_id = $2
		WHERE conv_id = $1
		  AND (last_dispatched_message_id IS NULL OR last_dispatched_message_id <> $2)`

	tag, err := s.db.Pool().Exec(ctx, q, convID, messageID)
	if err != nil {
		return false, fmt.Errorf("marking dispatched: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		msg         model.Message
		attachments []byte
		analysis    []byte
	)
	err := row.Scan(
		&msg.MessageID, &msg.Provider, &msg.Sender, &msg.Recipients, &msg.CC, &msg.BCC,
		&msg.Subject, &msg.Body, &msg.ReceivedAt, &attachments, &msg.ReplyCountHint,
		&msg.PreviousSummary, &analysis)
	if err != nil {
		return nil, err
	}

	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshaling attachments: %w", err)
		}
	}
	if len(analysis) > 0 {
		var a model.AnalysisResult
		if err := json.Unmarshal(analysis, &a); err != nil {
			return nil, fmt.Errorf("unmarshaling analysis: %w", err)
		}
		msg.Analysis = &a
	}
	return &msg, nil
}
