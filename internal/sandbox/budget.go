package sandbox

import (
	"sync"
	"time"
)

// budget is a wall-clock allowance that can be paused. Time spent inside host
// callables (a recursive model call, for example) does not count against a
// snippet's timeout.
type budget struct {
	mu        sync.Mutex
	remaining time.Duration
	since     time.Time
	timer     *time.Timer
	paused    int
	done      bool
	onExpire  func()
}

func startBudget(d time.Duration, onExpire func()) *budget {
	b := &budget{remaining: d, onExpire: onExpire, since: time.Now()}
	b.timer = time.AfterFunc(d, b.expire)
	return b
}

func (b *budget) expire() {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return
	}
	b.done = true
	b.mu.Unlock()
	b.onExpire()
}

func (b *budget) pause() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused++
	if b.paused > 1 || b.done {
		return
	}
	b.timer.Stop()
	b.remaining -= time.Since(b.since)
}

func (b *budget) resume() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused--
	if b.paused > 0 || b.done {
		return
	}
	b.since = time.Now()
	if b.remaining <= 0 {
		b.remaining = time.Millisecond
	}
	b.timer = time.AfterFunc(b.remaining, b.expire)
}

func (b *budget) stop() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
	b.timer.Stop()
}
