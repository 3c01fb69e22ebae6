package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"fix_provider/internal/domain"

	"golang.org/x/sync/errgroup"
)

// Yield tells the scheduler what to do after an invocation.
type Yield int

const (
	// Repeat invokes the task again immediately.
	Repeat Yield = iota
	// Wait parks the task until it is woken.
	Wait
	// Terminate stops the task.
	Terminate
)

func (y Yield) String() string {
	switch y {
	case Repeat:
		return "Repeat"
	case Wait:
		return "Wait"
	case Terminate:
		return "Terminate"
	default:
		return "Unknown"
	}
}

// Task is a single-threaded unit of work invoked repeatedly by the scheduler.
// Invoke must not block; it returns Wait when it has nothing to do.
type Task interface {
	Name() string
	Invoke(ctx context.Context) (Yield, error)
}

// Disposer is implemented by tasks that hold resources to release when the
// task stops for any reason, including a panic.
type Disposer interface {
	Dispose()
}

// Handle wakes a parked task.
type Handle struct {
	name string
	wake chan struct{}
}

// Wake resumes the task if it is waiting. Safe from any goroutine.
func (h *Handle) Wake() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Name returns the task name.
func (h *Handle) Name() string { return h.name }

type taskState struct {
	Name        string    `json:"name"`
	Invocations uint64    `json:"invocations"`
	LastYield   string    `json:"last_yield"`
	LastError   string    `json:"last_error,omitempty"`
	Stopped     bool      `json:"stopped"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type entry struct {
	task   Task
	handle *Handle
	state  *taskState
}

// Scheduler runs tasks cooperatively. Each task is invoked from one
// goroutine only, so its state needs no locking; tasks interact through
// atomics (TickSync) and Wake.
type Scheduler struct {
	log      *slog.Logger
	dumpFile string

	mu      sync.Mutex
	pending []*entry
	tasks   []*entry
	group   *errgroup.Group
	gctx    context.Context
}

// NewScheduler creates a scheduler. A panic in a task writes the task table
// to dumpFile when it is set.
func NewScheduler(log *slog.Logger, dumpFile string) *Scheduler {
	return &Scheduler{
		log:      log.With(slog.String("component", "scheduler")),
		dumpFile: dumpFile,
	}
}

// Add registers a task. Tasks added while Run is active start immediately.
func (s *Scheduler) Add(t Task) *Handle {
	e := &entry{
		task:   t,
		handle: &Handle{name: t.Name(), wake: make(chan struct{}, 1)},
		state:  &taskState{Name: t.Name()},
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = append(s.tasks, e)
	if s.group != nil {
		s.start(e)
	} else {
		s.pending = append(s.pending, e)
	}
	return e.handle
}

// Run invokes every task until ctx is canceled or all tasks terminate. It
// returns the first *domain.UnrecoverableError raised by a task.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.group, s.gctx = g, gctx
	for _, e := range s.pending {
		s.start(e)
	}
	s.pending = nil
	s.mu.Unlock()

	s.log.Info("Scheduler started")
	err := g.Wait()
	s.mu.Lock()
	s.group = nil
	s.mu.Unlock()
	s.log.Info("Scheduler stopped")
	return err
}

func (s *Scheduler) start(e *entry) {
	ctx := s.gctx
	s.group.Go(func() error {
		return s.loop(ctx, e)
	})
}

func (s *Scheduler) loop(ctx context.Context, e *entry) error {
	defer func() {
		s.mu.Lock()
		e.state.Stopped = true
		s.mu.Unlock()
		if d, ok := e.task.(Disposer); ok {
			d.Dispose()
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		y, err := s.invoke(ctx, e)
		if err != nil {
			var unrecoverable *domain.UnrecoverableError
			if errors.As(err, &unrecoverable) {
				s.log.Error("Task failed", slog.String("task", e.handle.name), slog.Any("error", err))
				return err
			}
			s.log.Warn("Task error", slog.String("task", e.handle.name), slog.Any("error", err))
		}

		switch y {
		case Repeat:
		case Wait:
			select {
			case <-ctx.Done():
				return nil
			case <-e.handle.wake:
			}
		case Terminate:
			s.log.Debug("Task terminated", slog.String("task", e.handle.name))
			return nil
		}
	}
}

// invoke runs one invocation and turns a panic into a terminated task.
func (s *Scheduler) invoke(ctx context.Context, e *entry) (y Yield, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("CRITICAL_PANIC_DETECTED",
				slog.String("task", e.handle.name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			s.record(e, Terminate, fmt.Errorf("panic: %v", r))
			if s.dumpFile != "" {
				s.DumpState(s.dumpFile)
			}
			y, err = Terminate, nil
			if v, ok := r.(*domain.InvariantViolation); ok {
				err = &domain.UnrecoverableError{Err: v}
			}
		}
	}()

	y, err = e.task.Invoke(ctx)
	s.record(e, y, err)
	return y, err
}

func (s *Scheduler) record(e *entry, y Yield, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.state.Invocations++
	e.state.LastYield = y.String()
	e.state.UpdatedAt = time.Now()
	if err != nil {
		e.state.LastError = err.Error()
	}
}

// Tasks returns the names of registered tasks that have not stopped.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, e := range s.tasks {
		if !e.state.Stopped {
			names = append(names, e.state.Name)
		}
	}
	return names
}

// DumpState writes the task table to a file (for post-mortem).
func (s *Scheduler) DumpState(filename string) {
	s.log.Info("Dumping scheduler state...", slog.String("file", filename))

	s.mu.Lock()
	states := make([]taskState, 0, len(s.tasks))
	for _, e := range s.tasks {
		states = append(states, *e.state)
	}
	s.mu.Unlock()

	b, err := json.MarshalIndent(struct {
		Tasks []taskState `json:"tasks"`
	}{Tasks: states}, "", "  ")
	if err != nil {
		s.log.Error("Failed to marshal state", slog.Any("error", err))
		return
	}
	if err := os.WriteFile(filename, b, 0644); err != nil {
		s.log.Error("Failed to write state dump", slog.Any("error", err))
	}
}
