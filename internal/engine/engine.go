// Package engine runs the enrichment workflow for one message: prestages
// fan out, the spam gate decides, enrich stages fan out, and a single merge
// completes the analysis. The whole run is idempotent, so queue redelivery
// is always safe.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mailpilot.app/enrich/common/llm"
	"mailpilot.app/enrich/common/logger"
	"mailpilot.app/enrich/internal/alert"
	"mailpilot.app/enrich/internal/extract"
	"mailpilot.app/enrich/internal/model"
	"mailpilot.app/enrich/internal/store"
)

type Config struct {
	StageTimeout          time.Duration
	AttachmentConcurrency int
	AttachmentMaxBytes    int64
	ImportanceThreshold   int
	OpsAddress            string
}

type Engine struct {
	store     store.ConversationStore
	llm       llm.Client
	extractor extract.Extractor
	notifier  alert.Notifier
	cfg       Config
}

func New(st store.ConversationStore, client llm.Client, extractor extract.Extractor, notifier alert.Notifier, cfg Config) *Engine {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 60 * time.Second
	}
	if cfg.AttachmentConcurrency <= 0 {
		cfg.AttachmentConcurrency = 5
	}
	if cfg.AttachmentMaxBytes <= 0 {
		cfg.AttachmentMaxBytes = 1_200_000
	}
	if cfg.ImportanceThreshold <= 0 {
		cfg.ImportanceThreshold = 70
	}
	return &Engine{
		store:     st,
		llm:       client,
		extractor: extractor,
		notifier:  notifier,
		cfg:       cfg,
	}
}

type enrichResults struct {
	importance *importanceResponse
	replies    []model.Reply
	summary    *summaryCategoryResponse
}

// Run executes the workflow for one job. The only returned errors are ones a
// redelivery can fix (message not yet visible, final merge failed); stage
// failures degrade to their defaults and the job still completes.
func (e *Engine) Run(ctx context.Context, job model.Job) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConvID:    logger.Ptr(job.ConvID),
		MessageID: logger.Ptr(job.MessageID),
		Owner:     logger.Ptr(job.Owner),
		Component: "enrich.engine",
	})

	msg, err := e.store.GetMessage(ctx, job.ConvID, job.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("message not found: %w", err)
		}
		return fmt.Errorf("loading message: %w", err)
	}

	if msg.Analysis != nil && msg.Analysis.Completed {
		slog.InfoContext(ctx, "analysis already completed, skipping")
		return nil
	}

	start := time.Now()

	// PRESTAGE: attachment summaries and prior-conversation context run
	// concurrently; both write their own fields as they finish.
	var prestage sync.WaitGroup
	prestage.Add(2)
	go func() {
		defer prestage.Done()
		e.summarizeAttachments(ctx, job, msg)
	}()
	go func() {
		defer prestage.Done()
		e.previousSummary(ctx, job, msg)
	}()
	prestage.Wait()

	// Reload so enrich prompts see summaries persisted by other deliveries.
	if fresh, err := e.store.GetMessage(ctx, job.ConvID, job.MessageID); err == nil {
		msg = fresh
	}

	// GATE: spam/malicious terminates the run. The check fails open.
	gate := e.spamCheck(ctx, msg)
	if gate.IsSpam || gate.IsMalicious {
		slog.InfoContext(ctx, "message gated",
			"is_spam", gate.IsSpam, "is_malicious", gate.IsMalicious)
		return e.complete(ctx, job, model.AnalysisResult{
			IsSpam:      &gate.IsSpam,
			IsMalicious: &gate.IsMalicious,
			Completed:   true,
		})
	}

	// ENRICH: selected stages run concurrently, each writing a distinct
	// result field.
	var (
		results enrichResults
		enrich  sync.WaitGroup
	)
	if job.WantsStage(model.StageImportance) {
		enrich.Add(1)
		go func() {
			defer enrich.Done()
			r := e.importance(ctx, msg)
			results.importance = &r
		}()
	}
	if job.WantsStage(model.StageReplies) {
		enrich.Add(1)
		go func() {
			defer enrich.Done()
			results.replies = e.replies(ctx, msg)
		}()
	}
	if job.WantsStage(model.StageSummaryCategory) {
		enrich.Add(1)
		go func() {
			defer enrich.Done()
			r := e.summaryCategory(ctx, msg)
			results.summary = &r
		}()
	}
	enrich.Wait()

	final := model.AnalysisResult{
		IsSpam:      &gate.IsSpam,
		IsMalicious: &gate.IsMalicious,
		Completed:   true,
	}
	if results.importance != nil {
		final.ImportanceScore = &results.importance.Score
		final.ImportanceDescription = &results.importance.Description
	}
	if results.replies != nil {
		final.Replies = results.replies
	}
	if results.summary != nil {
		final.Summary = &results.summary.Summary
		final.Category = &results.summary.Category
	}

	if results.importance != nil {
		e.maybeAlert(ctx, msg, *results.importance)
	}

	slog.InfoContext(ctx, "enrichment finished",
		"duration_ms", time.Since(start).Milliseconds())

	return e.complete(ctx, job, final)
}

// complete is the single analysis merge that ends a run. Its failure is
// returned so the queue redelivers; everything up to here is idempotent.
func (e *Engine) complete(ctx context.Context, job model.Job, final model.AnalysisResult) error {
	if err := e.store.MergeAnalysis(ctx, job.ConvID, job.MessageID, final); err != nil {
		return fmt.Errorf("merging analysis: %w", err)
	}
	return nil
}

// maybeAlert fires the ops notification for high-importance mail addressed
// to the ops mailbox. Fire and forget: failures are logged only.
func (e *Engine) maybeAlert(ctx context.Context, msg *model.Message, imp importanceResponse) {
	if e.notifier == nil || e.cfg.OpsAddress == "" {
		return
	}
	if imp.Score < e.cfg.ImportanceThreshold || !msg.HasRecipient(e.cfg.OpsAddress) {
		return
	}

	a := alert.Alert{
		Subject:     msg.Subject,
		Sender:      msg.Sender,
		Score:       imp.Score,
		Description: imp.Description,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := e.notifier.Notify(ctx, a); err != nil {
			slog.ErrorContext(ctx, "importance alert failed", "error", err)
		}
	}()
}
