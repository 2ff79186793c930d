// Package pipeline moves vehicle snapshots through the bronze, silver and
// gold tiers and fans the resulting scores out to the optional sinks.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/bus-bunching/internal/common/logger"
	"github.com/bus-bunching/internal/headway"
	"github.com/bus-bunching/internal/report"
	"github.com/bus-bunching/internal/storage"
	"github.com/bus-bunching/internal/vehicles/fetcher"
	"github.com/bus-bunching/internal/vehicles/transform"
	"github.com/bus-bunching/pkg/models"
)

// Stage names used in logs and metrics.
const (
	StageIngest    = "ingest"
	StageTransform = "transform"
	StageCompute   = "compute"
	StageSync      = "site_sync"
)

// Fetcher returns one raw vehicle snapshot.
type Fetcher interface {
	Fetch(ctx context.Context, format string, routes []string) (*fetcher.Snapshot, error)
}

// ScoreStore persists score history.
type ScoreStore interface {
	InsertScores(ctx context.Context, runID string, computedAt time.Time, scores []models.RouteHeadwayScore) (int, error)
}

// ScorePublisher broadcasts a score table.
type ScorePublisher interface {
	PublishScores(runID, tag string, computedAt time.Time, scores []models.RouteHeadwayScore) error
}

// Alerter is told about routes with severe bunching.
type Alerter interface {
	SendSevereRoutes(ctx context.Context, tag string, rows []models.RouteHeadwayScore) error
}

// Recorder receives stage and cycle measurements.
type Recorder interface {
	ObserveStage(stage string, d time.Duration, err error)
	CycleFinished(err error)
	RecordSnapshot(scores []models.RouteHeadwayScore, vehicles, dropped int)
}

// Config controls what the pipeline fetches and where it writes.
type Config struct {
	DataDir    string
	FeedFormat string
	Routes     []string
	// ArchiveBronze keeps older raw snapshots instead of clearing the tier.
	ArchiveBronze bool
	Retries       int
	RetryDelay    time.Duration
	// SiteDataDir, when set, receives the latest tables after each cycle.
	SiteDataDir string
}

type Pipeline struct {
	config  Config
	tiers   storage.Tiers
	fetcher Fetcher
	logger  logger.Logger

	headwayOptions func() headway.Options
	store          ScoreStore
	publisher      ScorePublisher
	alerter        Alerter
	recorder       Recorder
	guard          Guard

	now func() time.Time
}

type Option func(*Pipeline)

// WithHeadwayOptions sets the source of aggregation options, consulted on
// every compute so reloaded reference tables take effect.
func WithHeadwayOptions(fn func() headway.Options) Option {
	return func(p *Pipeline) { p.headwayOptions = fn }
}

func WithScoreStore(s ScoreStore) Option      { return func(p *Pipeline) { p.store = s } }
func WithPublisher(pub ScorePublisher) Option { return func(p *Pipeline) { p.publisher = pub } }
func WithAlerter(a Alerter) Option            { return func(p *Pipeline) { p.alerter = a } }
func WithRecorder(r Recorder) Option          { return func(p *Pipeline) { p.recorder = r } }
func WithGuard(g Guard) Option                { return func(p *Pipeline) { p.guard = g } }
func withClock(now func() time.Time) Option   { return func(p *Pipeline) { p.now = now } }

func New(cfg Config, f Fetcher, log logger.Logger, opts ...Option) *Pipeline {
	if cfg.FeedFormat == "" {
		cfg.FeedFormat = fetcher.FormatJSONAPI
	}
	p := &Pipeline{
		config:         cfg,
		tiers:          storage.NewTiers(cfg.DataDir),
		fetcher:        f,
		logger:         log,
		headwayOptions: headway.DefaultOptions,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Tiers returns the directory layout the pipeline writes to.
func (p *Pipeline) Tiers() storage.Tiers { return p.tiers }

// Ingest fetches one snapshot and stores it in the bronze tier. Unless
// archiving is enabled, earlier snapshots are removed first.
func (p *Pipeline) Ingest(ctx context.Context) (string, error) {
	var path string
	err := p.stage(ctx, StageIngest, func() error {
		snap, err := p.fetcher.Fetch(ctx, p.config.FeedFormat, p.config.Routes)
		if err != nil {
			return fmt.Errorf("fetching vehicles: %w", err)
		}

		if err := storage.EnsureDir(p.tiers.Bronze); err != nil {
			return err
		}
		if !p.config.ArchiveBronze {
			removed := storage.CleanDir(p.tiers.Bronze, "*.json") + storage.CleanDir(p.tiers.Bronze, "*.pb")
			if removed > 0 {
				p.logger.Debug("Cleared bronze tier", "removed", removed)
			}
		}

		name := fetcher.SnapshotName(fetcher.RoutesLabel(p.config.Routes), snap.FetchedAt, snap.Ext())
		path = filepath.Join(p.tiers.Bronze, name)
		if err := storage.WriteBytes(path, snap.Body); err != nil {
			return fmt.Errorf("writing snapshot: %w", err)
		}

		p.logger.Info("Saved vehicle snapshot", "path", path, "vehicles", snap.Vehicles, "format", snap.Format)
		return nil
	})
	return path, err
}

// TransformLatest flattens the newest bronze snapshot into a silver
// observation table.
func (p *Pipeline) TransformLatest(ctx context.Context) (string, error) {
	var path string
	err := p.stage(ctx, StageTransform, func() error {
		src, err := storage.LatestFile(p.tiers.Bronze, ".json", ".pb")
		if err != nil {
			return err
		}
		path, err = p.transformSnapshot(src)
		return err
	})
	return path, err
}

// TransformSnapshot flattens the bronze snapshot at src into a silver
// observation table.
func (p *Pipeline) TransformSnapshot(ctx context.Context, src string) (string, error) {
	var path string
	err := p.stage(ctx, StageTransform, func() error {
		var err error
		path, err = p.transformSnapshot(src)
		return err
	})
	return path, err
}

func (p *Pipeline) transformSnapshot(src string) (string, error) {
	payload, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("reading snapshot: %w", err)
	}

	res, err := transform.Flatten(filepath.Base(src), payload)
	if err != nil {
		return "", fmt.Errorf("flattening %s: %w", filepath.Base(src), err)
	}

	if err := storage.EnsureDir(p.tiers.Silver); err != nil {
		return "", err
	}
	storage.CleanDir(p.tiers.Silver, "*.csv")

	path := filepath.Join(p.tiers.Silver, storage.SilverName(storage.TagFromName(src)))
	if err := storage.WriteObservationsFile(path, res.Observations); err != nil {
		return "", fmt.Errorf("writing silver table: %w", err)
	}

	p.logger.Info("Wrote silver vehicles",
		"path", path,
		"rows", len(res.Observations),
		"skipped", res.Skipped,
	)
	return path, nil
}

// ComputeResult describes one gold tier update.
type ComputeResult struct {
	RunID      string
	Tag        string
	ComputedAt time.Time
	GapsPath   string
	ScoresPath string
	Gaps       []models.HeadwayGap
	Scores     []models.RouteHeadwayScore
	Vehicles   int
	Dropped    int
}

// ComputeLatest aggregates the newest silver table into gap and score
// tables, then hands the scores to the configured sinks. Sink failures are
// logged and do not fail the stage.
func (p *Pipeline) ComputeLatest(ctx context.Context) (*ComputeResult, error) {
	var out *ComputeResult
	err := p.stage(ctx, StageCompute, func() error {
		src, err := storage.LatestFile(p.tiers.Silver, ".csv")
		if err != nil {
			return err
		}

		observations, err := storage.ReadObservationsFile(src)
		if err != nil {
			return err
		}

		res, err := headway.Compute(observations, p.headwayOptions())
		if err != nil {
			return err
		}
		if res.Dropped > 0 {
			p.logger.Debug("Dropped observations with null route, direction or timestamp", "rows", res.Dropped)
		}
		if len(res.Scores) == 0 {
			p.logger.Warn("No headway scores computed", "observations", len(observations))
		}

		for _, dir := range []string{p.tiers.Gaps, p.tiers.Scores} {
			if err := storage.EnsureDir(dir); err != nil {
				return err
			}
			storage.CleanDir(dir, "*.csv")
		}

		tag := storage.TagFromName(src)
		out = &ComputeResult{
			RunID:      RunIDFromContext(ctx),
			Tag:        tag,
			ComputedAt: p.now().UTC(),
			GapsPath:   filepath.Join(p.tiers.Gaps, storage.GapsName(tag)),
			ScoresPath: filepath.Join(p.tiers.Scores, storage.ScoresName(tag)),
			Gaps:       res.Gaps,
			Scores:     res.Scores,
			Vehicles:   len(observations),
			Dropped:    res.Dropped,
		}
		if out.RunID == "" {
			out.RunID = uuid.NewString()
		}

		if err := storage.WriteGapsFile(out.GapsPath, res.Gaps); err != nil {
			return fmt.Errorf("writing gaps: %w", err)
		}
		if err := storage.WriteScoresFile(out.ScoresPath, res.Scores); err != nil {
			return fmt.Errorf("writing scores: %w", err)
		}

		p.logger.Info("Wrote headway tables",
			"run_id", out.RunID,
			"gaps", len(res.Gaps),
			"routes", len(res.Scores),
			"dropped", res.Dropped,
		)
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.fanOut(ctx, out)
	return out, nil
}

func (p *Pipeline) fanOut(ctx context.Context, res *ComputeResult) {
	if p.recorder != nil {
		p.recorder.RecordSnapshot(res.Scores, res.Vehicles, res.Dropped)
	}

	if p.store != nil {
		n, err := p.store.InsertScores(ctx, res.RunID, res.ComputedAt, res.Scores)
		if err != nil {
			p.logger.Error("Failed to store score history", "run_id", res.RunID, "error", err)
		} else {
			p.logger.Debug("Stored score history", "run_id", res.RunID, "rows", n)
		}
	}

	if p.publisher != nil {
		if err := p.publisher.PublishScores(res.RunID, res.Tag, res.ComputedAt, res.Scores); err != nil {
			p.logger.Error("Failed to publish scores", "run_id", res.RunID, "error", err)
		}
	}

	if p.alerter != nil {
		severe := report.FilterBySeverity(res.Scores, report.SeveritySevere)
		if len(severe) > 0 {
			if err := p.alerter.SendSevereRoutes(ctx, res.Tag, severe); err != nil {
				p.logger.Warn("Failed to send severe route alert", "run_id", res.RunID, "error", err)
			}
		}
	}
}

// stage runs fn, timing it and logging failures under the stage name.
func (p *Pipeline) stage(ctx context.Context, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	if p.recorder != nil {
		p.recorder.ObserveStage(name, elapsed, err)
	}
	if err != nil {
		p.logger.Error("Pipeline stage failed", "stage", name, "run_id", RunIDFromContext(ctx), "error", err)
		return fmt.Errorf("%s: %w", name, err)
	}
	p.logger.Debug("Pipeline stage finished", "stage", name, "duration", elapsed)
	return nil
}
