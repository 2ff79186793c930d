package headway

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bus-bunching/internal/common/logger"
)

func writeReference(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("route_id,direction_id,period_name,expected_headway_min\n"+body), 0o644))
}

func TestReferenceStoreLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ref.csv")
	writeReference(t, path, "1,0,am_peak,6\n")

	store := NewReferenceStore(logger.Nop())
	require.NoError(t, store.Load(path))
	require.Len(t, store.Rows(), 1)

	opts := store.Options(Options{ExpectedSource: ExpectedReference})
	assert.Len(t, opts.Reference, 1)

	require.NoError(t, os.WriteFile(path, []byte("route_id\n1\n"), 0o644))
	assert.Error(t, store.Load(path))
	assert.Len(t, store.Rows(), 1, "failed reload keeps previous table")
}

func TestReferenceStoreWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ref.csv")
	writeReference(t, path, "1,0,am_peak,6\n")

	store := NewReferenceStore(logger.Nop())
	require.NoError(t, store.Load(path))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx, path) }()

	// give the watcher time to register before changing the file
	time.Sleep(100 * time.Millisecond)
	writeReference(t, path, "1,0,am_peak,6\n2,1,am_peak,9\n")

	assert.Eventually(t, func() bool { return len(store.Rows()) == 2 }, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}
