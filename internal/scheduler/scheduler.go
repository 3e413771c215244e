// Package scheduler runs named maintenance tasks at fixed intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrInvalidInterval = errors.New("interval must be positive")
	ErrAlreadyRunning  = errors.New("scheduler is already running")
)

// Ticker is the subset of *time.Ticker the scheduler uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a ticker for the given interval.
type TickerFunc func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker is the default TickerFunc.
func NewRealTicker(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }

// Task is one periodic job. Run errors are logged and do not stop the task.
type Task struct {
	Name     string
	Interval time.Duration
	// RunAtStart runs the task once immediately when the scheduler starts.
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// Scheduler owns one goroutine per task.
type Scheduler struct {
	tasks     []Task
	newTicker TickerFunc
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. A nil newTicker uses real tickers.
func New(newTicker TickerFunc) *Scheduler {
	if newTicker == nil {
		newTicker = NewRealTicker
	}
	return &Scheduler{newTicker: newTicker, logger: slog.Default()}
}

// Add registers a task. Tasks added after Start are not run.
func (s *Scheduler) Add(t Task) error {
	if t.Interval <= 0 {
		return fmt.Errorf("task %q: %w", t.Name, ErrInvalidInterval)
	}
	if t.Run == nil {
		return fmt.Errorf("task %q: no run function", t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
	return nil
}

// Start launches every registered task. The tasks stop when ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		t := t
		ticker := s.newTicker(t.Interval)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer ticker.Stop()
			s.loop(ctx, t, ticker)
		}()
	}
	s.logger.Debug("scheduler started", "tasks", len(s.tasks))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, t Task, ticker Ticker) {
	if t.RunAtStart {
		s.runTask(ctx, t)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.runTask(ctx, t)
		}
	}
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	start := time.Now()
	if err := t.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("scheduled task failed", "task", t.Name, "error", err)
		return
	}
	s.logger.Debug("scheduled task finished", "task", t.Name, "duration", time.Since(start))
}

// Stop cancels all tasks and waits for running ones to return. It is safe
// to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}
