package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/bus-bunching/pkg/models"
)

// maxEmbedFields is Discord's per-embed field limit.
const maxEmbedFields = 25

type WebhookMessage struct {
	Content string  `json:"content"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

type Embed struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Color       int       `json:"color"`
	Timestamp   time.Time `json:"timestamp"`
	Fields      []Field   `json:"fields,omitempty"`
}

type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type Client struct {
	webhookURL string
	httpClient *http.Client
	now        func() time.Time
}

// NewClient returns nil for an empty webhook URL so callers can treat the
// notifier as disabled.
func NewClient(webhookURL string) *Client {
	if webhookURL == "" {
		return nil
	}
	return &Client{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

func (c *Client) SendMessage(ctx context.Context, msg WebhookMessage) error {
	if c == nil || c.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook request failed with status: %d", resp.StatusCode)
	}

	return nil
}

func (c *Client) SendLogMessage(level, message string, fields map[string]interface{}) error {
	if c == nil {
		return nil
	}

	embed := Embed{
		Title:       fmt.Sprintf("🚨 %s Log Alert", level),
		Description: message,
		Color:       getColorForLevel(level),
		Timestamp:   c.now(),
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		embed.Fields = append(embed.Fields, Field{
			Name:   key,
			Value:  fmt.Sprintf("%v", fields[key]),
			Inline: true,
		})
	}

	return c.SendMessage(context.Background(), WebhookMessage{Embeds: []Embed{embed}})
}

// SendSevereRoutes posts one embed listing the given route scores, worst
// first. Nothing is sent for an empty list.
func (c *Client) SendSevereRoutes(ctx context.Context, tag string, rows []models.RouteHeadwayScore) error {
	if c == nil || len(rows) == 0 {
		return nil
	}

	sorted := append([]models.RouteHeadwayScore(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].HeadwayHealthScore > sorted[j].HeadwayHealthScore
	})

	embed := Embed{
		Title:       fmt.Sprintf("🚌 Severe bunching on %d route(s)", len(sorted)),
		Description: fmt.Sprintf("Snapshot %s", tag),
		Color:       getColorForLevel("ERROR"),
		Timestamp:   c.now(),
	}
	for i, row := range sorted {
		if i == maxEmbedFields {
			break
		}
		embed.Fields = append(embed.Fields, Field{
			Name: fmt.Sprintf("Route %s dir %d", row.RouteID, row.DirectionID),
			Value: fmt.Sprintf("score %.4f, mean %.1f min, std %.1f min, n=%d",
				row.HeadwayHealthScore, row.Mean, row.Std, row.Count),
			Inline: true,
		})
	}

	return c.SendMessage(ctx, WebhookMessage{Embeds: []Embed{embed}})
}

func getColorForLevel(level string) int {
	switch level {
	case "ERROR":
		return 0xFF0000 // Red
	case "FATAL":
		return 0x8B0000 // Dark Red
	case "WARN":
		return 0xFFA500 // Orange
	default:
		return 0x808080 // Gray
	}
}
