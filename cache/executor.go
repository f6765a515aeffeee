package cache

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wkalt/tapecache/util"
	"github.com/wkalt/tapecache/util/log"
)

/*
Executor runs tasks one at a time on a single goroutine, in submission order.
Each topic cache owns one, and so does the submitter, so that all mutations of
a queue file are strictly ordered without the queue itself being synchronized.

Submitting a task never blocks. Compute submits a task and waits for its
result, which is how other components rendezvous with a cache. A task must not
wait on its own executor.
*/

////////////////////////////////////////////////////////////////////////////////

// ErrExecutorStopped is returned when submitting to a stopped executor.
var ErrExecutorStopped = errors.New("executor is stopped")

// Executor is a single-goroutine serialized task queue.
type Executor struct {
	name string

	mu      sync.Mutex
	queue   []func()
	delayed *util.PriorityQueue[*Future, int64]
	stopped bool

	signal chan struct{}
	done   chan struct{}
}

// NewExecutor starts an executor.
func NewExecutor(name string) *Executor {
	e := &Executor{
		name:    name,
		delayed: util.NewPriorityQueue[*Future, int64](),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	heap.Init(e.delayed)
	go e.run()
	return e
}

// Name returns the executor name.
func (e *Executor) Name() string {
	return e.name
}

// Execute submits f for execution.
func (e *Executor) Execute(f func()) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrExecutorStopped
	}
	e.queue = append(e.queue, f)
	e.mu.Unlock()
	e.notify()
	return nil
}

// Delay submits f for execution after d. The returned future can cancel it.
func (e *Executor) Delay(d time.Duration, f func()) (*Future, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrExecutorStopped
	}
	future := &Future{executor: e, f: f}
	heap.Push(e.delayed, &util.Item[*Future, int64]{
		Value:    future,
		Priority: time.Now().Add(d).UnixNano(),
	})
	e.mu.Unlock()
	e.notify()
	return future, nil
}

// Compute runs f on e and waits for its result. If ctx is canceled first, the
// context error is returned; f may still run later.
func Compute[T any](ctx context.Context, e *Executor, f func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	var zero T
	results := make(chan result, 1)
	err := e.Execute(func() {
		defer func() {
			if r := recover(); r != nil {
				results <- result{zero, fmt.Errorf("task on %s panicked: %v", e.name, r)}
			}
		}()
		value, err := f()
		results <- result{value, err}
	})
	if err != nil {
		return zero, err
	}
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("interrupted waiting on %s: %w", e.name, ctx.Err())
	case r := <-results:
		return r.value, r.err
	}
}

// Stop rejects further submissions, runs the tasks already queued, and waits
// for the executor goroutine to exit. Delayed tasks that have not fired are
// dropped. It is safe to call more than once, but not from a task.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.notify()
	<-e.done
}

func (e *Executor) notify() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *Executor) run() {
	defer close(e.done)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		e.mu.Lock()
		tasks := e.queue
		e.queue = nil
		now := time.Now().UnixNano()
		for e.delayed.Len() > 0 && (*e.delayed)[0].Priority <= now {
			future, _ := heap.Pop(e.delayed).(*Future)
			if !future.canceled {
				future.fired = true
				tasks = append(tasks, future.f)
			}
		}
		wait := time.Duration(-1)
		if e.delayed.Len() > 0 {
			wait = time.Duration((*e.delayed)[0].Priority - now)
		}
		stopped := e.stopped
		e.mu.Unlock()

		for _, task := range tasks {
			e.runTask(task)
		}
		if len(tasks) > 0 {
			continue
		}
		if stopped {
			return
		}
		if wait >= 0 {
			timer.Reset(wait)
		}
		select {
		case <-e.signal:
		case <-timer.C:
		}
		timer.Stop()
		select {
		case <-timer.C:
		default:
		}
	}
}

func (e *Executor) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf(context.Background(), "task on executor %s panicked: %v", e.name, r)
		}
	}()
	task()
}

// Future is a delayed task.
type Future struct {
	executor *Executor
	f        func()
	canceled bool
	fired    bool
}

// Cancel prevents the task from running. It returns false if the task already
// ran or was already canceled.
func (f *Future) Cancel() bool {
	f.executor.mu.Lock()
	defer f.executor.mu.Unlock()
	if f.fired || f.canceled {
		return false
	}
	f.canceled = true
	return true
}
