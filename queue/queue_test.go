package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"filedist.dev/task"
)

type recordingAction struct {
	mu      *sync.Mutex
	order   *[]int64
	taskID  func() int64
	release chan struct{}
}

func (a *recordingAction) Run(ctx context.Context, actx *task.ActionContext) error {
	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.mu.Lock()
	*a.order = append(*a.order, a.taskID())
	a.mu.Unlock()
	return nil
}

func (a *recordingAction) Weight() int { return 1 }

func openTestQueue(t *testing.T, maxConcurrent int) *Queue {
	t.Helper()
	q, err := Open(maxConcurrent, t.TempDir(), 0, time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return q
}

// TestQueueCap covers scenario S4: with maxConcurrent=1, a second added
// task stays pending until the first finishes.
func TestQueueCap(t *testing.T) {
	q := openTestQueue(t, 1)

	release1 := make(chan struct{})
	t1 := task.New("first", []task.Action{&recordingAction{release: release1, mu: &sync.Mutex{}, order: &[]int64{}, taskID: func() int64 { return 1 }}})
	t2 := task.New("second", nil)

	q.Add(t1)
	q.Add(t2)

	// t2 should still be pending: only one concurrency slot exists and
	// t1 hasn't released yet.
	time.Sleep(20 * time.Millisecond)
	if t2.State() != task.NotStarted {
		t.Fatalf("t2 State = %v, want NotStarted while t1 occupies the only slot", t2.State())
	}

	close(release1)
	q.Wait()

	if t1.State() != task.Completed || t2.State() != task.Completed {
		t.Fatalf("t1=%v t2=%v, want both Completed", t1.State(), t2.State())
	}
}

// TestFIFODispatchOrder covers the redesign flag: tasks dispatch in the
// order they were added, not LIFO.
func TestFIFODispatchOrder(t *testing.T) {
	q := openTestQueue(t, 1)

	var mu sync.Mutex
	var order []int64

	mkTask := func(id int64) *task.Task {
		return task.New("t", []task.Action{&recordingAction{
			mu:     &mu,
			order:  &order,
			taskID: func() int64 { return id },
		}})
	}

	t1 := mkTask(1)
	t2 := mkTask(2)
	t3 := mkTask(3)
	q.Add(t1)
	q.Add(t2)
	q.Add(t3)
	q.Wait()

	want := []int64{1, 2, 3}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

// TestCancelPending covers the pending half of scenario S5: a task still
// in the FIFO is canceled immediately without ever running.
func TestCancelPending(t *testing.T) {
	q := openTestQueue(t, 1)

	release1 := make(chan struct{})
	defer close(release1)
	t1 := task.New("first", []task.Action{&recordingAction{release: release1, mu: &sync.Mutex{}, order: &[]int64{}, taskID: func() int64 { return 1 }}})
	t2 := task.New("second", nil)

	q.Add(t1)
	q.Add(t2)

	if err := q.Cancel(t2); err != nil {
		t.Fatalf("Cancel pending task: %v", err)
	}
	if t2.State() != task.Canceled {
		t.Fatalf("t2 State = %v, want Canceled", t2.State())
	}
}

// TestCancelInFlight covers the running half of scenario S5: an
// in-flight task is canceled via its worker context.
func TestCancelInFlight(t *testing.T) {
	q := openTestQueue(t, 1)

	release := make(chan struct{})
	defer close(release)
	t1 := task.New("blocker", []task.Action{&recordingAction{release: release, mu: &sync.Mutex{}, order: &[]int64{}, taskID: func() int64 { return 1 }}})

	q.Add(t1)
	time.Sleep(20 * time.Millisecond) // let it start

	if err := q.Cancel(t1); err != nil {
		t.Fatalf("Cancel in-flight task: %v", err)
	}
	q.Join(t1)

	if t1.State() != task.Canceled {
		t.Fatalf("t1 State = %v, want Canceled", t1.State())
	}
}

func TestCancelCompletedTaskErrors(t *testing.T) {
	q := openTestQueue(t, 1)
	t1 := task.New("quick", nil)
	q.Add(t1)
	q.Wait()

	if err := q.Cancel(t1); err != ErrTaskHasCompleted {
		t.Fatalf("Cancel(completed) = %v, want ErrTaskHasCompleted", err)
	}
}

func TestGetUnknownTask(t *testing.T) {
	q := openTestQueue(t, 1)
	if _, err := q.Get(999); err != ErrTaskNotFound {
		t.Fatalf("Get(999) = %v, want ErrTaskNotFound", err)
	}
}

func TestRemoveRequiresTerminalState(t *testing.T) {
	q := openTestQueue(t, 1)
	release := make(chan struct{})
	defer close(release)
	t1 := task.New("blocker", []task.Action{&recordingAction{release: release, mu: &sync.Mutex{}, order: &[]int64{}, taskID: func() int64 { return 1 }}})
	q.Add(t1)
	time.Sleep(20 * time.Millisecond)

	if err := q.Remove(t1.ID); err != ErrTaskHasNotCompleted {
		t.Fatalf("Remove(running) = %v, want ErrTaskHasNotCompleted", err)
	}

	close(release)
	q.Join(t1)
	if err := q.Remove(t1.ID); err != nil {
		t.Fatalf("Remove(terminal): %v", err)
	}
	if _, err := q.Get(t1.ID); err != ErrTaskNotFound {
		t.Fatalf("Get after Remove = %v, want ErrTaskNotFound", err)
	}
}
