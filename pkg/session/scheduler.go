package session

import (
	"context"
	"sync"
	"time"
)

const (
	taskProfile = "profile"
	taskStats   = "stats"
)

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// scheduler runs named periodic tasks. Each task is a goroutine with its
// own context. stop only cancels a task; stopAll also waits for every
// task to return.
type scheduler struct {
	mu    sync.Mutex
	base  context.Context
	tasks map[string]*task
}

func newScheduler(base context.Context) *scheduler {
	return &scheduler{base: base, tasks: make(map[string]*task)}
}

// start is a no-op if name is already running or interval is not positive.
func (s *scheduler) start(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return
	}
	if s.base.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(s.base)
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.tasks[name] = t

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (s *scheduler) running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// stop cancels name. It does not wait when called from inside the task
// itself.
func (s *scheduler) stop(name string) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	delete(s.tasks, name)
	s.mu.Unlock()
	if ok {
		t.cancel()
	}
}

func (s *scheduler) stopAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}
