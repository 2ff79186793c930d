package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/bus-bunching/internal/common/logger"
)

const (
	HeaderAPIKey = "x-api-key"
	UserAgent    = "bus-bunching/1.0"

	// AllRoutesLabel names snapshots taken without a route filter.
	AllRoutesLabel = "all-bus-routes"

	// SnapshotTimeFormat is the UTC timestamp embedded in snapshot names.
	SnapshotTimeFormat = "20060102T150405Z"

	FormatJSONAPI = "jsonapi"
	FormatGTFSRT  = "gtfsrt"

	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4096
)

// Config describes the upstream vehicle feed.
type Config struct {
	BaseURL   string
	APIKey    string
	RouteType *int
	Timeout   time.Duration
	GTFSRTURL string
}

// Snapshot is one raw vehicle feed response.
type Snapshot struct {
	Body      []byte
	Format    string
	Vehicles  int
	FetchedAt time.Time
}

// Ext returns the file extension used for the snapshot in the bronze tier.
func (s *Snapshot) Ext() string {
	if s.Format == FormatGTFSRT {
		return "pb"
	}
	return "json"
}

type Client struct {
	config     Config
	httpClient *http.Client
	logger     logger.Logger
	now        func() time.Time
}

func NewClient(cfg Config, log logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log,
		now:    time.Now,
	}
}

// BuildVehiclesURL builds the /vehicles endpoint URL. A nil routeType sends
// no route_type filter and empty routes fetch every route.
func BuildVehiclesURL(baseURL string, routes []string, routeType *int) string {
	base := strings.TrimRight(baseURL, "/") + "/vehicles"

	var params []string
	if routeType != nil {
		params = append(params, "filter[route_type]="+strconv.Itoa(*routeType))
	}
	if len(routes) > 0 {
		params = append(params, "filter[route]="+strings.Join(routes, ","))
	}

	if len(params) > 0 {
		return base + "?" + strings.Join(params, "&")
	}
	return base
}

// RoutesLabel names a route filter for snapshot file names: the sorted
// routes joined with "-", or AllRoutesLabel when unfiltered.
func RoutesLabel(routes []string) string {
	if len(routes) == 0 {
		return AllRoutesLabel
	}
	sorted := append([]string(nil), routes...)
	sort.Strings(sorted)
	return strings.Join(sorted, "-")
}

// SnapshotName returns vehicles_routes-<label>_<YYYYMMDDTHHMMSSZ>.<ext>.
func SnapshotName(label string, ts time.Time, ext string) string {
	return fmt.Sprintf("vehicles_routes-%s_%s.%s", label, ts.UTC().Format(SnapshotTimeFormat), ext)
}

// FetchVehicles requests the JSON:API vehicle list for routes.
func (c *Client) FetchVehicles(ctx context.Context, routes []string) (*Snapshot, error) {
	url := BuildVehiclesURL(c.config.BaseURL, routes, c.config.RouteType)

	body, err := c.get(ctx, url, "application/vnd.api+json")
	if err != nil {
		return nil, err
	}

	var doc struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	c.logger.Info("Fetched vehicles", "url", url, "vehicles", len(doc.Data))

	return &Snapshot{
		Body:      body,
		Format:    FormatJSONAPI,
		Vehicles:  len(doc.Data),
		FetchedAt: c.now().UTC(),
	}, nil
}

// FetchGTFSRT requests the GTFS-realtime VehiclePositions feed. The body is
// checked to be a valid FeedMessage before it is returned.
func (c *Client) FetchGTFSRT(ctx context.Context) (*Snapshot, error) {
	if c.config.GTFSRTURL == "" {
		return nil, fmt.Errorf("no GTFS-realtime URL configured")
	}

	body, err := c.get(ctx, c.config.GTFSRTURL, "application/x-protobuf")
	if err != nil {
		return nil, err
	}

	feed := &gtfsrtpb.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal protobuf: %w", err)
	}

	vehicles := 0
	for _, e := range feed.GetEntity() {
		if e.GetVehicle() != nil {
			vehicles++
		}
	}

	c.logger.Info("Fetched GTFS-realtime vehicles", "url", c.config.GTFSRTURL, "vehicles", vehicles)

	return &Snapshot{
		Body:      body,
		Format:    FormatGTFSRT,
		Vehicles:  vehicles,
		FetchedAt: c.now().UTC(),
	}, nil
}

// Fetch dispatches on format.
func (c *Client) Fetch(ctx context.Context, format string, routes []string) (*Snapshot, error) {
	switch format {
	case FormatGTFSRT:
		return c.FetchGTFSRT(ctx)
	case FormatJSONAPI, "":
		return c.FetchVehicles(ctx, routes)
	default:
		return nil, fmt.Errorf("unknown feed format %q", format)
	}
}

func (c *Client) get(ctx context.Context, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if c.config.APIKey != "" {
		req.Header.Set(HeaderAPIKey, c.config.APIKey)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", accept)

	c.logger.Debug("Requesting vehicles", "url", url)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Error("API returned error status",
			"status_code", resp.StatusCode,
			"url", url,
			"response_body", string(body))
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return body, nil
}
