package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

const waitTimeout = 5 * time.Second

func TestWatch(t *testing.T) {
	t.Parallel()

	t.Run("calls_back_after_write", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("a"), 0o600))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		calls := atomic.NewInt32(0)
		done := make(chan error, 1)
		go func() {
			done <- Watch(ctx, Options{
				Path:     path,
				Logger:   zaptest.NewLogger(t),
				Debounce: 10 * time.Millisecond,
				Callback: func() { calls.Inc() },
			})
		}()

		// the watcher registers asynchronously, keep writing until it notices
		require.Eventually(t, func() bool {
			_ = os.WriteFile(path, []byte("b"), 0o600)
			return calls.Load() > 0
		}, waitTimeout, 50*time.Millisecond)

		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("ignores_other_files", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("a"), 0o600))

		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		calls := atomic.NewInt32(0)
		go func() {
			for ctx.Err() == nil {
				_ = os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600)
				time.Sleep(20 * time.Millisecond)
			}
		}()

		err := Watch(ctx, Options{
			Path:     path,
			Debounce: 10 * time.Millisecond,
			Callback: func() { calls.Inc() },
		})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, int32(0), calls.Load())
	})

	t.Run("requires_path_and_callback", func(t *testing.T) {
		t.Parallel()

		require.Error(t, Watch(context.Background(), Options{Callback: func() {}}))
		require.Error(t, Watch(context.Background(), Options{Path: "config.yaml"}))
	})
}
