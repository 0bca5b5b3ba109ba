package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mailpilot.app/enrich/common/llm"
	"mailpilot.app/enrich/common/logger"
	"mailpilot.app/enrich/internal/extract"
	"mailpilot.app/enrich/internal/model"
)

type spamCheckResponse struct {
	IsSpam      bool `json:"is_spam"`
	IsMalicious bool `json:"is_malicious"`
}

type importanceResponse struct {
	Score       int    `json:"score"`
	Description string `json:"description"`
}

type replyItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type repliesResponse struct {
	Replies []replyItem `json:"replies"`
}

type summaryCategoryResponse struct {
	Summary  string `json:"summary"`
	Category string `json:"category"`
}

type textSummaryResponse struct {
	Summary string `json:"summary"`
}

var (
	spamCheckSchema       = llm.GenerateSchema[spamCheckResponse]()
	importanceSchema      = llm.GenerateSchema[importanceResponse]()
	repliesSchema         = llm.GenerateSchema[repliesResponse]()
	summaryCategorySchema = llm.GenerateSchema[summaryCategoryResponse]()
	textSummarySchema     = llm.GenerateSchema[textSummaryResponse]()
)

const (
	importanceFailDesc = "重要度の判定に失敗しました"
	summaryFailText    = "要約の生成に失敗しました"
	maxDescTokens      = 100
)

// summarizeAttachments fills in missing attachment summaries, at most
// cfg.AttachmentConcurrency at a time. Oversized and unsupported files are
// skipped without a summary; every re-run hits the same check, so they never
// acquire one. LLM failures also leave the field empty for the next delivery.
func (e *Engine) summarizeAttachments(ctx context.Context, job model.Job, msg *model.Message) {
	sem := make(chan struct{}, e.cfg.AttachmentConcurrency)
	done := make(chan struct{})

	pending := 0
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		if att.Summary != nil {
			continue
		}
		pending++

		go func(att *model.Attachment) {
			defer func() { done <- struct{}{} }()
			sem <- struct{}{}
			defer func() { <-sem }()

			e.summarizeOneAttachment(ctx, job, att)
		}(att)
	}

	for ; pending > 0; pending-- {
		<-done
	}
}

func (e *Engine) summarizeOneAttachment(ctx context.Context, job model.Job, att *model.Attachment) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Stage: logger.Ptr(model.StageAttachmentSummary)})

	if att.Size >= e.cfg.AttachmentMaxBytes {
		slog.InfoContext(ctx, "attachment at or over size ceiling, skipping",
			"attachment_id", att.ID, "size", att.Size)
		return
	}

	text, err := e.extractor.Extract(ctx, att.Content, att.Name)
	if err != nil {
		if errors.Is(err, extract.ErrUnsupported) {
			slog.InfoContext(ctx, "attachment type unsupported, skipping", "attachment_id", att.ID)
			return
		}
		slog.ErrorContext(ctx, "attachment extraction failed", "error", err, "attachment_id", att.ID)
		return
	}

	var resp textSummaryResponse
	err = e.chatWithTimeout(ctx, llm.Request{
		SystemPrompt: attachmentSummarySystemPrompt,
		UserPrompt:   fmt.Sprintf("ファイル名: %s\n\n%s", att.Name, logger.Truncate(text, 50_000)),
		SchemaName:   "attachment_summary",
		Schema:       textSummarySchema,
		Temperature:  llm.Temp(0),
	}, &resp)
	if err != nil {
		slog.ErrorContext(ctx, "attachment summary failed", "error", err, "attachment_id", att.ID)
		return
	}

	e.writeAttachmentSummary(ctx, job, att.ID, resp.Summary)
}

func (e *Engine) writeAttachmentSummary(ctx context.Context, job model.Job, attachmentID, summary string) {
	if err := e.store.SetAttachmentSummary(ctx, job.ConvID, job.MessageID, attachmentID, summary); err != nil {
		slog.ErrorContext(ctx, "failed to persist attachment summary",
			"error", err, "attachment_id", attachmentID)
	}
}

// previousSummary produces the prior-conversation context for the message.
//   - no prior messages: empty string, no LLM call
//   - exactly one: its summary reused verbatim, no LLM call
//   - two or more: synthesized from the (received_at, summary) pairs
func (e *Engine) previousSummary(ctx context.Context, job model.Job, msg *model.Message) {
	if msg.PreviousSummary != nil {
		return
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{Stage: logger.Ptr(model.StagePreviousSummary)})

	prior, err := e.store.ListMessagesBefore(ctx, job.ConvID, msg.ReceivedAt)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list prior messages", "error", err)
		return
	}

	var summary string
	switch len(prior) {
	case 0:
		summary = ""
	case 1:
		if prior[0].Analysis != nil && prior[0].Analysis.Summary != nil {
			summary = *prior[0].Analysis.Summary
		}
	default:
		var sb strings.Builder
		for _, p := range prior {
			if p.Analysis == nil || p.Analysis.Summary == nil {
				continue
			}
			fmt.Fprintf(&sb, "[%s] %s\n", p.ReceivedAt.Format(time.RFC3339), *p.Analysis.Summary)
		}
		if sb.Len() == 0 {
			break
		}

		var resp textSummaryResponse
		err := e.chatWithTimeout(ctx, llm.Request{
			SystemPrompt: historySummarySystemPrompt,
			UserPrompt:   sb.String(),
			SchemaName:   "history_summary",
			Schema:       textSummarySchema,
			Temperature:  llm.Temp(0),
		}, &resp)
		if err != nil {
			slog.ErrorContext(ctx, "history summary failed", "error", err)
			return
		}
		summary = resp.Summary
	}

	if err := e.store.SetPreviousSummary(ctx, job.ConvID, job.MessageID, summary); err != nil {
		slog.ErrorContext(ctx, "failed to persist previous summary", "error", err)
		return
	}
	msg.PreviousSummary = &summary
}

// spamCheck is the gate. It fails open: any error means the message is
// treated as legitimate and enrichment proceeds.
func (e *Engine) spamCheck(ctx context.Context, msg *model.Message) spamCheckResponse {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Stage: logger.Ptr(model.StageSpamCheck)})

	var resp spamCheckResponse
	err := e.chatWithTimeout(ctx, llm.Request{
		SystemPrompt: spamCheckSystemPrompt,
		UserPrompt:   messagePrompt(msg),
		SchemaName:   "spam_check",
		Schema:       spamCheckSchema,
		Temperature:  llm.Temp(0),
	}, &resp)
	if err != nil {
		slog.WarnContext(ctx, "spam check failed, failing open", "error", err)
		return spamCheckResponse{}
	}
	return resp
}

func (e *Engine) importance(ctx context.Context, msg *model.Message) importanceResponse {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Stage: logger.Ptr(model.StageImportance)})

	var resp importanceResponse
	err := e.chatWithTimeout(ctx, llm.Request{
		SystemPrompt: importanceSystemPrompt,
		UserPrompt:   messagePrompt(msg),
		SchemaName:   "importance",
		Schema:       importanceSchema,
		Temperature:  llm.Temp(0),
	}, &resp)
	if err != nil {
		slog.ErrorContext(ctx, "importance stage failed, using default", "error", err)
		return importanceResponse{Score: 0, Description: importanceFailDesc}
	}

	resp.Description = truncateTokens(resp.Description, maxDescTokens)
	return resp
}

func (e *Engine) replies(ctx context.Context, msg *model.Message) []model.Reply {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Stage: logger.Ptr(model.StageReplies)})

	var resp repliesResponse
	err := e.chatWithTimeout(ctx, llm.Request{
		SystemPrompt: repliesSystemPrompt,
		UserPrompt:   messagePrompt(msg),
		SchemaName:   "replies",
		Schema:       repliesSchema,
		Temperature:  llm.Temp(0.3),
	}, &resp)
	if err != nil {
		slog.ErrorContext(ctx, "replies stage failed, using empty set", "error", err)
		return []model.Reply{}
	}

	replies := make([]model.Reply, 0, len(resp.Replies))
	for _, r := range resp.Replies {
		if !model.ValidReplyType(r.Type) {
			slog.WarnContext(ctx, "model returned unknown reply type, dropping", "type", r.Type)
			continue
		}
		replies = append(replies, model.Reply{Type: r.Type, Text: r.Text})
	}
	return replies
}

func (e *Engine) summaryCategory(ctx context.Context, msg *model.Message) summaryCategoryResponse {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Stage: logger.Ptr(model.StageSummaryCategory)})

	var resp summaryCategoryResponse
	err := e.chatWithTimeout(ctx, llm.Request{
		SystemPrompt: summaryCategorySystemPrompt,
		UserPrompt:   messagePrompt(msg),
		SchemaName:   "summary_category",
		Schema:       summaryCategorySchema,
		Temperature:  llm.Temp(0),
	}, &resp)
	if err != nil {
		slog.ErrorContext(ctx, "summary/category stage failed, using defaults", "error", err)
		return summaryCategoryResponse{Summary: summaryFailText, Category: model.CategoryNoReplyNeeded}
	}

	if !model.ValidCategory(resp.Category) {
		slog.WarnContext(ctx, "model returned unknown category, defaulting",
			"category", resp.Category)
		resp.Category = model.CategoryNoReplyNeeded
	}
	return resp
}

// chatWithTimeout wraps one LLM call in the per-stage timeout, retrying a
// single time on transient failures before the stage falls back to its
// default.
func (e *Engine) chatWithTimeout(ctx context.Context, req llm.Request, result any) error {
	err := e.chatOnce(ctx, req, result)
	if err != nil && llm.IsRetryable(ctx, err) {
		err = e.chatOnce(ctx, req, result)
	}
	return err
}

func (e *Engine) chatOnce(ctx context.Context, req llm.Request, result any) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	defer cancel()
	_, err := e.llm.Chat(ctx, req, result)
	return err
}

// messagePrompt renders the message for the LLM, including whatever prestage
// context is already available.
func messagePrompt(msg *model.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "差出人: %s\n", msg.Sender)
	fmt.Fprintf(&sb, "宛先: %s\n", strings.Join(msg.Recipients, ", "))
	fmt.Fprintf(&sb, "件名: %s\n", msg.Subject)
	fmt.Fprintf(&sb, "受信日時: %s\n", msg.ReceivedAt.Format(time.RFC3339))

	if msg.PreviousSummary != nil && *msg.PreviousSummary != "" {
		fmt.Fprintf(&sb, "\nこれまでの経緯:\n%s\n", *msg.PreviousSummary)
	}

	for _, att := range msg.Attachments {
		if att.Summary != nil && *att.Summary != "" {
			fmt.Fprintf(&sb, "\n添付ファイル %s の要約:\n%s\n", att.Name, *att.Summary)
		}
	}

	fmt.Fprintf(&sb, "\n本文:\n%s", msg.Body)
	return sb.String()
}

// truncateTokens keeps the first max whitespace-separated tokens, appending
// "..." when anything was dropped.
func truncateTokens(s string, max int) string {
	fields := strings.Fields(s)
	if len(fields) <= max {
		return s
	}
	return strings.Join(fields[:max], " ") + "..."
}
