package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(FileEnv, "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api-v3.mbta.com", cfg.MBTA.BaseURL)
	require.NotNil(t, cfg.MBTA.RouteType)
	assert.Equal(t, 3, *cfg.MBTA.RouteType)
	assert.Equal(t, 10*time.Second, cfg.MBTA.Timeout)
	assert.Equal(t, 15*time.Minute, cfg.Pipeline.Interval)
	assert.Equal(t, 1, cfg.Pipeline.Retries)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.RetryDelay)
	assert.Equal(t, "constant", cfg.Headway.ExpectedSource)
	assert.Equal(t, 10.0, cfg.Headway.DefaultExpectedMin)
	assert.False(t, cfg.Database.Enabled())
	assert.False(t, cfg.NATS.Enabled())
	assert.Equal(t, "data", cfg.Pipeline.DataDir)
	assert.False(t, cfg.Pipeline.ArchiveBronze)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bunching.yaml")
	yamlBody := `
mbta:
  routes: ["1", "15"]
  route_type: null
  timeout: 5s
pipeline:
  data_dir: /srv/data
  interval: 30m
headway:
  expected_source: reference
  reference_path: /srv/ref.csv
database:
  host: db.internal
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))
	t.Setenv(FileEnv, path)
	t.Setenv("PIPELINE_INTERVAL", "10m")
	t.Setenv("MBTA_ROUTES", "22, 28 ,")
	t.Setenv("HEADWAY_PERIOD", "am_peak")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"22", "28"}, cfg.MBTA.Routes)
	assert.Nil(t, cfg.MBTA.RouteType)
	assert.Equal(t, 5*time.Second, cfg.MBTA.Timeout)
	assert.Equal(t, "/srv/data", cfg.Pipeline.DataDir)
	assert.Equal(t, 10*time.Minute, cfg.Pipeline.Interval)
	assert.Equal(t, "reference", cfg.Headway.ExpectedSource)
	assert.Equal(t, "am_peak", cfg.Headway.Period)
	assert.True(t, cfg.Database.Enabled())
	assert.Contains(t, cfg.Database.ConnectionString(), "host=db.internal")
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("HEADWAY_EXPECTED_SOURCE", "timetable")
	t.Setenv("MBTA_FEED_FORMAT", "gtfsrt")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ExpectedSource")
	assert.Contains(t, err.Error(), "GTFSRTURL")
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestRouteTypeNone(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("MBTA_ROUTE_TYPE", "none")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.MBTA.RouteType)
}
