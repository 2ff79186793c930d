package publisher

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bus-bunching/internal/common/logger"
	"github.com/bus-bunching/internal/report"
	"github.com/bus-bunching/pkg/models"
)

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	Flush() error
}

type NATSPublisher struct {
	nc      conn
	raw     *nats.Conn
	prefix  string
	logger  logger.Logger
	metrics PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// ScoreMessage is published once per route and direction.
type ScoreMessage struct {
	RunID      string                   `json:"runId"`
	Tag        string                   `json:"tag"`
	ComputedAt time.Time                `json:"computedAt"`
	Severity   string                   `json:"severity"`
	Score      models.RouteHeadwayScore `json:"score"`
}

// SummaryMessage is published once per cycle.
type SummaryMessage struct {
	RunID      string            `json:"runId"`
	Tag        string            `json:"tag"`
	ComputedAt time.Time         `json:"computedAt"`
	Routes     int               `json:"routes"`
	BySeverity map[string]int    `json:"bySeverity"`
	Worst      []models.RouteKey `json:"worst,omitempty"`
}

// maxWorst bounds the routes listed in a summary.
const maxWorst = 5

func NewNATSPublisher(url, prefix string, log logger.Logger, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("bus-bunching"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}

	p := newPublisher(nc, prefix, log, m)
	p.raw = nc
	return p, nil
}

func newPublisher(nc conn, prefix string, log logger.Logger, m PublisherMetrics) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: subjectPrefix(prefix), logger: log, metrics: m}
}

func (p *NATSPublisher) Close() {
	if p.raw != nil {
		p.raw.Drain()
		p.raw.Close()
	}
}

// PublishScores publishes every score row and a summary. All rows are
// attempted; the returned error joins the individual failures.
func (p *NATSPublisher) PublishScores(runID, tag string, computedAt time.Time, scores []models.RouteHeadwayScore) error {
	var errs []error

	summary := SummaryMessage{
		RunID:      runID,
		Tag:        tag,
		ComputedAt: computedAt.UTC(),
		Routes:     len(scores),
		BySeverity: map[string]int{},
	}

	for _, s := range scores {
		sev := report.Classify(s.HeadwayHealthScore)
		summary.BySeverity[sev.String()]++

		msg := ScoreMessage{RunID: runID, Tag: tag, ComputedAt: computedAt.UTC(), Severity: sev.String(), Score: s}
		if err := p.publish(p.ScoreSubject(s.RouteID, s.DirectionID), msg); err != nil {
			errs = append(errs, err)
		}
	}

	summary.Worst = worstRoutes(scores, maxWorst)
	if err := p.publish(p.prefix+".summary", summary); err != nil {
		errs = append(errs, err)
	}

	if err := p.nc.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flushing NATS: %w", err))
	}

	p.logger.Debug("Published scores", "subject_prefix", p.prefix, "routes", len(scores), "errors", len(errs))
	return errors.Join(errs...)
}

// ScoreSubject returns <prefix>.<route>.<direction>.
func (p *NATSPublisher) ScoreSubject(routeID string, directionID int) string {
	return fmt.Sprintf("%s.%s.%d", p.prefix, subjectToken(routeID), directionID)
}

func (p *NATSPublisher) publish(subject string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", subject, err)
	}

	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		return fmt.Errorf("publishing %s: %w", subject, err)
	}
	return nil
}

func worstRoutes(scores []models.RouteHeadwayScore, n int) []models.RouteKey {
	sorted := slices.Clone(scores)
	slices.SortStableFunc(sorted, func(a, b models.RouteHeadwayScore) int {
		return cmp.Compare(b.HeadwayHealthScore, a.HeadwayHealthScore)
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	keys := make([]models.RouteKey, 0, len(sorted))
	for _, s := range sorted {
		keys = append(keys, s.Key())
	}
	return keys
}

// subjectPrefix sanitises each dot-separated token of a configured prefix.
func subjectPrefix(prefix string) string {
	parts := strings.Split(strings.Trim(prefix, "."), ".")
	for i, part := range parts {
		parts[i] = subjectToken(part)
	}
	return strings.Join(parts, ".")
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
