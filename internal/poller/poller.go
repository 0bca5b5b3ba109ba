// Package poller serves the add-on dashboard: it waits a bounded time for a
// message's analysis to complete, kicking off enrichment if nothing else has.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mailpilot.app/enrich/common/logger"
	"mailpilot.app/enrich/internal/model"
	"mailpilot.app/enrich/internal/queue"
	"mailpilot.app/enrich/internal/store"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusTimeout    Status = "timeout"
)

type Result struct {
	Status   Status                `json:"status"`
	Analysis *model.AnalysisResult `json:"analysis,omitempty"`
}

type Config struct {
	Attempts int
	Interval time.Duration
}

type Poller struct {
	store    store.ConversationStore
	producer queue.Producer
	cfg      Config
}

func New(st store.ConversationStore, producer queue.Producer, cfg Config) *Poller {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 25
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Poller{store: st, producer: producer, cfg: cfg}
}

// Poll checks the message once per interval until its analysis completes or
// attempts run out. If the analysis is incomplete, the job is dispatched at
// most once per call. The suppression is session-local on purpose: a fresh
// poll always gets to dispatch, and a redundant job is absorbed by the
// idempotent engine.
func (p *Poller) Poll(ctx context.Context, convID, messageID, owner string) (Result, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConvID:    logger.Ptr(convID),
		MessageID: logger.Ptr(messageID),
		Component: "enrich.poller",
	})

	dispatched := false

	for attempt := 0; attempt < p.cfg.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(p.cfg.Interval):
			}
		}

		msg, err := p.store.GetMessage(ctx, convID, messageID)
		if err != nil {
			return Result{}, fmt.Errorf("polling message: %w", err)
		}

		if msg.Analysis != nil && msg.Analysis.Completed {
			return Result{Status: StatusCompleted, Analysis: msg.Analysis}, nil
		}

		if !dispatched {
			dispatched = true
			p.dispatch(ctx, convID, messageID, owner)
		}
	}

	slog.InfoContext(ctx, "poll attempts exhausted", "attempts", p.cfg.Attempts)
	return Result{Status: StatusTimeout}, nil
}

func (p *Poller) dispatch(ctx context.Context, convID, messageID, owner string) {
	job := model.Job{ConvID: convID, MessageID: messageID, Owner: owner}
	if err := p.producer.Enqueue(ctx, queue.JobMessage{Job: job}); err != nil {
		slog.ErrorContext(ctx, "dispatch enqueue failed", "error", err)
		return
	}

	if _, err := p.store.MarkDispatched(ctx, convID, messageID); err != nil {
		slog.WarnContext(ctx, "failed to record dispatch", "error", err)
	}
}
