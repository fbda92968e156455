package funding

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// LockTimer counts down a deposit's confirmation window. When the remaining time first
// drops to the threshold it calls onLock, exactly once, and then keeps counting until zero.
type LockTimer struct {
	window    time.Duration
	threshold time.Duration
	interval  time.Duration
	now       func() time.Time
	onLock    func(ctx context.Context)

	fired     atomic.Bool
	cancelled atomic.Bool

	mu        sync.Mutex
	startedAt time.Time
	stop      context.CancelFunc
	done      chan struct{}
}

type TimerOption func(*LockTimer)

func WithTimerClock(now func() time.Time) TimerOption {
	return func(t *LockTimer) { t.now = now }
}

func WithTickInterval(d time.Duration) TimerOption {
	return func(t *LockTimer) { t.interval = d }
}

func NewLockTimer(window, threshold time.Duration, onLock func(ctx context.Context), opts ...TimerOption) *LockTimer {
	t := &LockTimer{
		window:    window,
		threshold: threshold,
		interval:  time.Second,
		now:       time.Now,
		onLock:    onLock,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins the countdown now.
func (t *LockTimer) Start(ctx context.Context) bool {
	return t.StartAt(ctx, t.now())
}

// StartAt begins a countdown that started at startedAt, used when resuming after a restart.
// Only the first call on a live timer starts it; the result reports whether this one did.
func (t *LockTimer) StartAt(ctx context.Context, startedAt time.Time) bool {
	t.mu.Lock()
	if t.stop != nil || t.cancelled.Load() {
		t.mu.Unlock()
		return false
	}
	ctx, stop := context.WithCancel(ctx)
	t.startedAt = startedAt
	t.stop = stop
	t.mu.Unlock()

	go t.run(ctx)
	return true
}

func (t *LockTimer) run(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		t.Tick(ctx, t.now())
		if t.Remaining(t.now()) <= 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick evaluates the countdown at now and reports whether this call fired the lock.
// It is safe to call from any goroutine, any number of times.
func (t *LockTimer) Tick(ctx context.Context, now time.Time) bool {
	if t.cancelled.Load() || !t.started() {
		return false
	}
	if t.Remaining(now) > t.threshold {
		return false
	}
	if !t.fired.CompareAndSwap(false, true) {
		return false
	}
	if t.onLock != nil {
		t.onLock(ctx)
	}
	return true
}

// Remaining is the time left at now, never below zero. A timer that was never started
// reports the full window.
func (t *LockTimer) Remaining(now time.Time) time.Duration {
	t.mu.Lock()
	startedAt := t.startedAt
	t.mu.Unlock()
	if startedAt.IsZero() {
		return t.window
	}
	left := t.window - now.Sub(startedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Cancel stops the countdown. A lock that already fired is not undone.
func (t *LockTimer) Cancel() {
	t.cancelled.Store(true)
	t.mu.Lock()
	stop := t.stop
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (t *LockTimer) Fired() bool {
	return t.fired.Load()
}

// Done is closed when the countdown loop exits, by expiry or cancellation.
func (t *LockTimer) Done() <-chan struct{} {
	return t.done
}

func (t *LockTimer) started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.startedAt.IsZero()
}
