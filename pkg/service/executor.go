package service

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var ErrAlreadyRunning = errors.New("process already running")

// Task is a unit the executor runs on its own goroutine.
type Task interface {
	ID() string
	Run(ctx context.Context)
	Cancel()
}

// Executor runs each process on its own goroutine and keeps the registry of
// active processes.
type Executor struct {
	ctx     context.Context
	stop    context.CancelFunc
	logger  Logger
	running map[string]Task
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

func NewExecutor(mainCtx context.Context, logger Logger) *Executor {
	ctx, stop := context.WithCancel(mainCtx)
	return &Executor{
		ctx:     ctx,
		stop:    stop,
		logger:  logger,
		running: make(map[string]Task),
	}
}

// Submit starts t. A task with the same id must not be running already.
func (e *Executor) Submit(t Task) error {
	e.mu.Lock()
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		return errors.Wrap(e.ctx.Err(), "executor stopped")
	}
	if _, exists := e.running[t.ID()]; exists {
		e.mu.Unlock()
		return errors.Wrapf(ErrAlreadyRunning, "process %s", t.ID())
	}
	e.running[t.ID()] = t
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer e.Forget(t.ID())
		e.logger.Infof("Starting process %s", t.ID())
		t.Run(e.ctx)
		e.logger.Infof("Process %s returned", t.ID())
	}()
	return nil
}

// Cancel cancels the running task id and reports whether there was one.
func (e *Executor) Cancel(id string) bool {
	e.mu.RLock()
	t, ok := e.running[id]
	e.mu.RUnlock()
	if ok {
		t.Cancel()
	}
	return ok
}

// Forget removes id from the active registry.
func (e *Executor) Forget(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

// Active returns the ids of the running tasks, sorted.
func (e *Executor) Active() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop cancels every running task and waits for them to return or for ctx
// to end.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stop()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for running processes")
	}
}
