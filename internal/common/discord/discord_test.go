package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bus-bunching/pkg/models"
)

func captureServer(t *testing.T, status int) (*httptest.Server, *[]WebhookMessage) {
	t.Helper()
	var got []WebhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var msg WebhookMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		got = append(got, msg)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestNewClientDisabled(t *testing.T) {
	c := NewClient("")
	assert.Nil(t, c)
	assert.NoError(t, c.SendLogMessage("ERROR", "ignored", nil))
	assert.NoError(t, c.SendSevereRoutes(context.Background(), "tag", []models.RouteHeadwayScore{{RouteID: "1"}}))
}

func TestSendLogMessage(t *testing.T) {
	srv, got := captureServer(t, http.StatusNoContent)
	c := NewClient(srv.URL)

	err := c.SendLogMessage("ERROR", "Cycle failed", map[string]interface{}{"stage": "ingest", "attempt": 2})
	require.NoError(t, err)

	require.Len(t, *got, 1)
	embed := (*got)[0].Embeds[0]
	assert.Equal(t, 0xFF0000, embed.Color)
	assert.Equal(t, "Cycle failed", embed.Description)
	require.Len(t, embed.Fields, 2)
	assert.Equal(t, "attempt", embed.Fields[0].Name)
	assert.Equal(t, "stage", embed.Fields[1].Name)
}

func TestSendSevereRoutesOrdersWorstFirst(t *testing.T) {
	srv, got := captureServer(t, http.StatusOK)
	c := NewClient(srv.URL)

	rows := []models.RouteHeadwayScore{
		{RouteID: "1", DirectionID: 0, HeadwayHealthScore: 0.01},
		{RouteID: "15", DirectionID: 1, HeadwayHealthScore: 0.4},
	}
	require.NoError(t, c.SendSevereRoutes(context.Background(), "20250304T080000Z", rows))

	embed := (*got)[0].Embeds[0]
	assert.Contains(t, embed.Title, "2 route(s)")
	assert.Equal(t, "Route 15 dir 1", embed.Fields[0].Name)
}

func TestSendMessageStatusError(t *testing.T) {
	srv, _ := captureServer(t, http.StatusTooManyRequests)
	c := NewClient(srv.URL)

	err := c.SendMessage(context.Background(), WebhookMessage{Content: "hi"})
	assert.ErrorContains(t, err, "429")
}
