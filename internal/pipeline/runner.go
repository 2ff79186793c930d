package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/bus-bunching/internal/headway"
	"github.com/bus-bunching/internal/site"
)

// Guard serialises cycles against other work on the same tiers, such as
// maintenance pruning.
type Guard interface {
	LockForCycle()
	UnlockAfterCycle()
}

type runIDKey struct{}

// WithRunID attaches a cycle identifier to ctx.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the cycle identifier, or "" outside a cycle.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// CycleResult summarises one full ingest, transform and compute run.
type CycleResult struct {
	RunID     string
	Snapshot  string
	Silver    string
	Compute   *ComputeResult
	Site      *site.Result
	Attempts  int
	StartedAt time.Time
	Duration  time.Duration
}

// RunCycle runs ingest, transform and compute in order. The transform reads
// the snapshot this cycle ingested. A failing cycle is
// retried from the start up to Retries times, RetryDelay apart. Schema and
// option errors are not retried.
func (p *Pipeline) RunCycle(ctx context.Context) (*CycleResult, error) {
	res := &CycleResult{
		RunID:     uuid.NewString(),
		StartedAt: p.now().UTC(),
	}
	ctx = WithRunID(ctx, res.RunID)

	if p.guard != nil {
		p.guard.LockForCycle()
		defer p.guard.UnlockAfterCycle()
	}

	p.logger.Info("Starting pipeline cycle", "run_id", res.RunID)

	attempt := func() error {
		res.Attempts++

		snapshot, err := p.Ingest(ctx)
		if err != nil {
			return classify(err)
		}
		res.Snapshot = snapshot

		silver, err := p.TransformSnapshot(ctx, snapshot)
		if err != nil {
			return classify(err)
		}
		res.Silver = silver

		computed, err := p.ComputeLatest(ctx)
		if err != nil {
			return classify(err)
		}
		res.Compute = computed
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.config.RetryDelay), uint64(max(p.config.Retries, 0))),
		ctx,
	)
	err := backoff.RetryNotify(attempt, b, func(err error, d time.Duration) {
		p.logger.Warn("Pipeline cycle failed, retrying",
			"run_id", res.RunID,
			"attempt", res.Attempts,
			"retry_in", d,
			"error", err,
		)
	})

	if err == nil && p.config.SiteDataDir != "" {
		res.Site, err = p.syncSite(ctx)
	}

	res.Duration = time.Since(res.StartedAt)
	if p.recorder != nil {
		p.recorder.CycleFinished(err)
	}

	if err != nil {
		p.logger.Error("Pipeline cycle failed", "run_id", res.RunID, "attempts", res.Attempts, "error", err)
		return res, fmt.Errorf("pipeline cycle %s: %w", res.RunID, err)
	}

	p.logger.Info("Pipeline cycle complete",
		"run_id", res.RunID,
		"routes", len(res.Compute.Scores),
		"attempts", res.Attempts,
		"duration", res.Duration,
	)
	return res, nil
}

// SyncSite copies the latest tables to the configured site directory.
func (p *Pipeline) SyncSite(ctx context.Context) (*site.Result, error) {
	return p.syncSite(ctx)
}

func (p *Pipeline) syncSite(ctx context.Context) (*site.Result, error) {
	var res *site.Result
	err := p.stage(ctx, StageSync, func() error {
		if p.config.SiteDataDir == "" {
			return errors.New("site data directory not configured")
		}
		var err error
		res, err = site.Sync(p.tiers, p.config.SiteDataDir, p.now())
		if err != nil {
			return err
		}
		p.logger.Info("Synced site data", "dir", p.config.SiteDataDir, "updated_at", res.UpdatedAt)
		return nil
	})
	return res, err
}

// classify marks errors that a retry cannot fix.
func classify(err error) error {
	if errors.Is(err, headway.ErrSchema) || errors.Is(err, headway.ErrInvalidOptions) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	return err
}
