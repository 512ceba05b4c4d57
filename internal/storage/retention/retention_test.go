package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/rlm/internal/storage"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (f *fakePruner) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 3, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_Defaults(t *testing.T) {
	s, err := New(&fakePruner{}, storage.RetentionConfig{}, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "@daily", s.spec)
	assert.Equal(t, 30*24*time.Hour, s.maxAge)

	from := time.Date(2026, 5, 4, 13, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC), s.Next(from))
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(&fakePruner{}, storage.RetentionConfig{Schedule: "every tuesday"}, discardLogger())
	assert.Error(t, err)
}

func TestNew_FiveFieldSchedule(t *testing.T) {
	s, err := New(&fakePruner{}, storage.RetentionConfig{Schedule: "30 3 * * *", Days: 7}, discardLogger())
	require.NoError(t, err)
	from := time.Date(2026, 5, 4, 13, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 5, 5, 3, 30, 0, 0, time.UTC), s.Next(from))
	assert.Equal(t, 7*24*time.Hour, s.maxAge)
}

func TestRunOnce_Cutoff(t *testing.T) {
	p := &fakePruner{}
	s, err := New(p, storage.RetentionConfig{Days: 2}, discardLogger())
	require.NoError(t, err)
	now := time.Date(2026, 5, 4, 13, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.Len(t, p.cutoffs, 1)
	assert.Equal(t, now.Add(-48*time.Hour), p.cutoffs[0])
}

func TestRunOnce_Error(t *testing.T) {
	p := &fakePruner{err: errors.New("locked")}
	s, err := New(p, storage.RetentionConfig{}, discardLogger())
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background())
	assert.EqualError(t, err, "locked")
}

func TestStart_Stop(t *testing.T) {
	s, err := New(&fakePruner{}, storage.RetentionConfig{Schedule: "@every 1h"}, discardLogger())
	require.NoError(t, err)
	stop := s.Start(context.Background())
	stop()
}
