package mainloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTickInterval is used when Options.TickInterval is zero.
const DefaultTickInterval = 10 * time.Millisecond

// ErrStopped is returned when work is posted to a loop that is not running
// any more.
var ErrStopped = errors.New("mainloop: stopped")

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a Loop.
type Options struct {
	// TickInterval is the period of tick handlers. Default: 10ms.
	TickInterval time.Duration

	// Logger is optional.
	Logger Logger
}

// Stats holds loop counters.
type Stats struct {
	TasksRun    uint64
	TasksPanics uint64
	Ticks       uint64
}

// Loop is a single goroutine executing posted tasks and periodic ticks.
type Loop struct {
	interval time.Duration
	logger   Logger

	mu      sync.Mutex
	tasks   []func()
	stopped bool
	wake    chan struct{}

	tickers []func(now time.Time)

	tasksRun atomic.Uint64
	panics   atomic.Uint64
	ticks    atomic.Uint64
}

// New creates a loop. It does nothing until Run is called.
func New(opts Options) *Loop {
	interval := opts.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Loop{
		interval: interval,
		logger:   opts.Logger,
		wake:     make(chan struct{}, 1),
	}
}

// Now returns the current time. Loop satisfies operation.Clock.
func (l *Loop) Now() time.Time { return time.Now() }

// Interval returns the tick interval.
func (l *Loop) Interval() time.Duration { return l.interval }

// OnTick registers fn to run on every tick. Must not be called
// concurrently with Run except from inside the loop.
func (l *Loop) OnTick(fn func(now time.Time)) {
	l.tickers = append(l.tickers, fn)
}

// Post schedules fn to run on the loop goroutine. It never blocks.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Call runs fn on the loop goroutine and waits for its result.
// Must not be called from the loop goroutine itself.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if err := l.Post(func() { done <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes tasks and ticks until ctx is cancelled. Tasks still queued
// at that point are run once more before Run returns, so cleanup posted
// during shutdown is not lost.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logDebug("main loop started", "tick_interval", l.interval.String())

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.mu.Unlock()
			l.drain()
			l.logDebug("main loop stopped")
			return nil
		case <-l.wake:
			l.drain()
		case now := <-ticker.C:
			l.tick(now)
		}
	}
}

// Stats returns the loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		TasksRun:    l.tasksRun.Load(),
		TasksPanics: l.panics.Load(),
		Ticks:       l.ticks.Load(),
	}
}

// drain runs queued tasks until none are left, including tasks posted by
// the tasks themselves.
func (l *Loop) drain() {
	for {
		l.mu.Lock()
		tasks := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		if len(tasks) == 0 {
			return
		}
		for _, fn := range tasks {
			l.run(fn)
		}
	}
}

func (l *Loop) tick(now time.Time) {
	l.ticks.Add(1)
	for _, fn := range l.tickers {
		l.run(func() { fn(now) })
	}
}

// run executes fn, keeping the loop alive if it panics.
func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			if l.logger != nil {
				l.logger.Error("main loop task panicked", "panic", fmt.Sprint(r))
			}
		}
	}()
	l.tasksRun.Add(1)
	fn()
}

func (l *Loop) logDebug(msg string, keysAndValues ...any) {
	if l.logger != nil {
		l.logger.Debug(msg, keysAndValues...)
	}
}
