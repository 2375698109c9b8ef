// Package worker executes tasks concurrently. It is the Go replacement
// for the original source's SendorWorker, which ran each task in its own
// OS process from a multiprocessing.Pool and shipped progress back to the
// parent over a SimpleQueue of typed QueueItem variants. Go has no
// process pool and, more importantly, no need for one: a *task.Task's
// mutating methods are already mutex-guarded, so a goroutine can update
// it directly instead of marshaling status through a message queue to a
// single consumer. What the original queue genuinely bought — "whichever
// of {the task finishing, a cancel, a deadline} happens first decides the
// terminal state, exactly once" — is reproduced here with a select over
// a result channel, a context, and a timer instead.
package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"filedist.dev/pubsub"
	"filedist.dev/task"
)

// ErrNotInFlight is returned by Cancel when the given task ID is not
// currently running in this pool.
var ErrNotInFlight = errors.New("worker: task is not in flight")

type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool runs admitted tasks with unbounded concurrency; the caller (the
// queue package) is responsible for gating how many tasks it admits at
// once. This mirrors the original structure, where SendorWorker's own
// Pool(processes=N) bound was redundant with SendorQueue's identical
// admission gate — one bound is enough, and the queue is the natural
// place to keep it since it also owns the pending-task FIFO.
type Pool struct {
	bus *pubsub.Bus

	// maxExecutionTime bounds how long a task's action list may run
	// before its context is canceled. Zero means unbounded.
	maxExecutionTime time.Duration

	// maxFinalizationTime is the grace period given to a task's
	// goroutine to observe cancellation and return after its context
	// is done, before the pool gives up waiting and resolves the task
	// terminal regardless. Go cannot force-kill a goroutine the way a
	// process pool can SIGKILL a worker process, so this is honest
	// best-effort abandonment, not true termination: a runaway action
	// that never checks ctx.Err() keeps running in the background
	// even after its task is marked canceled or failed.
	maxFinalizationTime time.Duration

	mu       sync.Mutex
	inFlight map[int64]*inflight
}

// New returns a ready-to-use Pool.
func New(maxExecutionTime, maxFinalizationTime time.Duration) *Pool {
	return &Pool{
		bus:                 pubsub.New(),
		maxExecutionTime:    maxExecutionTime,
		maxFinalizationTime: maxFinalizationTime,
		inFlight:            make(map[int64]*inflight),
	}
}

// Subscribe registers fn for every subsequent add/change/remove event.
// The event Subject is always the *task.Task in question.
func (p *Pool) Subscribe(fn func(pubsub.Event)) pubsub.SubscriptionID {
	return p.bus.Subscribe(fn)
}

// Unsubscribe removes a subscription registered with Subscribe.
func (p *Pool) Unsubscribe(id pubsub.SubscriptionID) error {
	return p.bus.Unsubscribe(id)
}

// Add starts running t in its own goroutine immediately. The pool
// notifies "remove" once the task reaches a terminal state and has been
// evicted from the in-flight set; callers wanting to know when a
// specific task is done should use Join.
func (p *Pool) Add(t *task.Task) {
	p.bus.Notify(pubsub.Event{Type: "add", Subject: t})

	ctx, cancel := context.WithCancel(context.Background())
	it := &inflight{cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	p.inFlight[t.ID] = it
	p.mu.Unlock()

	go p.run(ctx, t, it)
}

// Cancel requests cancellation of the in-flight task with the given ID.
// It returns ErrNotInFlight if no such task is currently running.
func (p *Pool) Cancel(taskID int64) error {
	p.mu.Lock()
	it, ok := p.inFlight[taskID]
	p.mu.Unlock()
	if !ok {
		return ErrNotInFlight
	}
	it.cancel()
	return nil
}

// Join blocks until the task with the given ID is no longer in flight
// (including if it never was).
func (p *Pool) Join(taskID int64) {
	p.mu.Lock()
	it, ok := p.inFlight[taskID]
	p.mu.Unlock()
	if !ok {
		return
	}
	<-it.done
}

func (p *Pool) run(ctx context.Context, t *task.Task, it *inflight) {
	defer func() {
		os.RemoveAll(t.WorkDir)
		close(it.done)
		p.mu.Lock()
		delete(p.inFlight, t.ID)
		p.mu.Unlock()
		p.bus.Notify(pubsub.Event{Type: "remove", Subject: t})
	}()

	if ctx.Err() != nil {
		t.Canceled()
		return
	}

	t.Started()
	if err := os.MkdirAll(t.WorkDir, 0o755); err != nil {
		t.AppendLog(err.Error())
		t.Failed()
		return
	}

	execCtx := ctx
	if p.maxExecutionTime > 0 {
		var execCancel context.CancelFunc
		execCtx, execCancel = context.WithTimeout(ctx, p.maxExecutionTime)
		defer execCancel()
	}

	actx := t.ActionContext()
	resultCh := make(chan error, 1)
	go func() {
		resultCh <- t.Run(execCtx, actx)
	}()

	select {
	case err := <-resultCh:
		resolve(t, err)
		return
	case <-execCtx.Done():
	}

	// The context is done (either an explicit Cancel or the execution
	// deadline) but the runner hasn't reported back yet. Give it
	// maxFinalizationTime to notice and return before giving up.
	var finalDeadline <-chan time.Time
	if p.maxFinalizationTime > 0 {
		finalDeadline = time.After(p.maxFinalizationTime)
	}
	select {
	case err := <-resultCh:
		resolve(t, err)
	case <-finalDeadline:
		t.AppendLog("task abandoned: action did not return within the finalization deadline")
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			t.Failed()
		} else {
			t.Canceled()
		}
	}
}

func resolve(t *task.Task, err error) {
	if err == nil {
		t.Completed()
		return
	}
	t.AppendLog(err.Error())
	if errors.Is(err, context.Canceled) {
		t.Canceled()
	} else {
		t.Failed()
	}
}
