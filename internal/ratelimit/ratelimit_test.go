package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = clock.now
	return l, clock
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for range 100 {
		assert.NoError(t, l.Allow("a"))
	}
	var nilLimiter *Limiter
	assert.NoError(t, nilLimiter.Allow("a"))
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})

	assert.NoError(t, l.Allow("a"))
	assert.NoError(t, l.Allow("a"))
	assert.ErrorIs(t, l.Allow("a"), ErrRateLimited)

	clock.t = clock.t.Add(time.Second)
	assert.NoError(t, l.Allow("a"))
	assert.ErrorIs(t, l.Allow("a"), ErrRateLimited)
}

func TestLimiter_ClientsIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1})

	assert.NoError(t, l.Allow("a"))
	assert.ErrorIs(t, l.Allow("a"), ErrRateLimited)
	assert.NoError(t, l.Allow("b"))
}

func TestLimiter_Sweep(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 10})
	assert.NoError(t, l.Allow("a"))
	assert.NoError(t, l.Allow("b"))

	clock.t = clock.t.Add(5 * time.Second)
	assert.Equal(t, 0, l.Sweep())

	clock.t = clock.t.Add(10 * time.Second)
	assert.Equal(t, 2, l.Sweep())
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	assert.Equal(t, "10.0.0.7", ClientKey(r))

	r.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", ClientKey(r))
}
