package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clipcast/backend/internal/live"
	"github.com/clipcast/backend/pkg/queue"
)

// JobSource is the queue the reconciler drains.
type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// TerminalStore receives the final counters of ended streams.
type TerminalStore interface {
	SaveSessionTerminal(ctx context.Context, rec live.TerminalRecord) error
}

// TerminalReconciler writes final stream counters that the server could not
// store when the stream ended.
type TerminalReconciler struct {
	store       TerminalStore
	jobs        JobSource
	pollTimeout time.Duration
	backoff     time.Duration
	logger      *zap.Logger
}

// NewTerminalReconciler creates a terminal persist processor.
func NewTerminalReconciler(store TerminalStore, jobs JobSource, pollTimeout time.Duration, logger *zap.Logger) *TerminalReconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	return &TerminalReconciler{
		store:       store,
		jobs:        jobs,
		pollTimeout: pollTimeout,
		backoff:     10 * time.Second,
		logger:      logger,
	}
}

// Process executes one terminal persist job. Jobs for streams that no longer
// exist are dropped.
func (p *TerminalReconciler) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeTerminalPersist {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.TerminalPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	err := p.store.SaveSessionTerminal(ctx, live.TerminalRecord{
		SessionID:      payload.StreamID,
		EndedAt:        payload.EndedAt,
		Duration:       payload.Duration,
		TotalViews:     payload.TotalViews,
		HeartsReceived: payload.HeartsReceived,
	})
	if errors.Is(err, live.ErrNotFound) {
		p.logger.Warn("dropping terminal job for unknown stream", zap.String("stream_id", payload.StreamID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("save terminal: %w", err)
	}

	p.logger.Info("terminal counters reconciled",
		zap.String("stream_id", payload.StreamID),
		zap.Int64("duration", payload.Duration),
		zap.Int("total_views", payload.TotalViews),
		zap.Int("hearts_received", payload.HeartsReceived))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *TerminalReconciler) Run(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := p.jobs.Dequeue(ctx, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.jobs.Retry(context.WithoutCancel(ctx), job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
	p.logger.Info("terminal worker stopping")
}

func (p *TerminalReconciler) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
