package task

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeAction struct {
	run func(ctx context.Context, actx *ActionContext) error
}

func (f *fakeAction) Run(ctx context.Context, actx *ActionContext) error {
	if f.run != nil {
		return f.run(ctx, actx)
	}
	return nil
}

func (f *fakeAction) Weight() int { return 1 }

func TestStateString(t *testing.T) {
	cases := []struct {
		s    State
		want string
	}{
		{NotStarted, "not_started"},
		{Started, "in_progress"},
		{Completed, "completed"},
		{Failed, "failed"},
		{Canceled, "canceled"},
	}
	for _, c := range cases {
		if got := c.s.String(); got != c.want {
			t.Errorf("State(%d).String() = %q, want %q", c.s, got, c.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []State{Completed, Failed, Canceled} {
		if !s.Terminal() {
			t.Errorf("%v.Terminal() = false, want true", s)
		}
	}
	for _, s := range []State{NotStarted, Started} {
		if s.Terminal() {
			t.Errorf("%v.Terminal() = true, want false", s)
		}
	}
}

func TestRunExecutesActionsInOrder(t *testing.T) {
	var order []int
	tk := New("test", []Action{
		&fakeAction{run: func(ctx context.Context, actx *ActionContext) error {
			order = append(order, 1)
			return nil
		}},
		&fakeAction{run: func(ctx context.Context, actx *ActionContext) error {
			order = append(order, 2)
			return nil
		}},
	})
	tk.Enqueued(1, "")
	if err := tk.Run(context.Background(), tk.ActionContext()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
}

func TestRunStopsOnFirstError(t *testing.T) {
	wantErr := errors.New("boom")
	ran := false
	tk := New("test", []Action{
		&fakeAction{run: func(ctx context.Context, actx *ActionContext) error { return wantErr }},
		&fakeAction{run: func(ctx context.Context, actx *ActionContext) error { ran = true; return nil }},
	})
	tk.Enqueued(1, "")
	err := tk.Run(context.Background(), tk.ActionContext())
	if err != wantErr {
		t.Fatalf("Run err = %v, want %v", err, wantErr)
	}
	if ran {
		t.Fatalf("second action ran after first failed")
	}
}

func TestRunHonorsCancellationBetweenActions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ran2 := false
	tk := New("test", []Action{
		&fakeAction{run: func(ctx context.Context, actx *ActionContext) error {
			cancel()
			return nil
		}},
		&fakeAction{run: func(ctx context.Context, actx *ActionContext) error {
			ran2 = true
			return nil
		}},
	})
	tk.Enqueued(1, "")
	err := tk.Run(ctx, tk.ActionContext())
	if err != context.Canceled {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
	if ran2 {
		t.Fatalf("action ran after cancellation")
	}
}

func TestRunRecoversPanic(t *testing.T) {
	tk := New("test", []Action{
		&fakeAction{run: func(ctx context.Context, actx *ActionContext) error {
			panic("kaboom")
		}},
	})
	tk.Enqueued(1, "")
	err := tk.Run(context.Background(), tk.ActionContext())
	if err == nil {
		t.Fatalf("Run returned nil error after panic")
	}
}

func TestActionContextTranslatePath(t *testing.T) {
	actx := NewActionContext("/tmp/work42", func(string, *float64, string) {})
	got := actx.TranslatePath("{task_work_directory}/out.bin")
	want := "/tmp/work42/out.bin"
	if got != want {
		t.Fatalf("TranslatePath = %q, want %q", got, want)
	}
}

func TestActionContextKeyValueBag(t *testing.T) {
	actx := NewActionContext("", func(string, *float64, string) {})
	if _, ok := actx.Get("missing"); ok {
		t.Fatalf("Get(missing) ok = true, want false")
	}
	actx.Set("file_up_to_date_on_target", true)
	v, ok := actx.Get("file_up_to_date_on_target")
	if !ok || v != true {
		t.Fatalf("Get = %v, %v, want true, true", v, ok)
	}
}

func TestProgressReflectsActivityAndRatio(t *testing.T) {
	tk := New("xfer", nil)
	tk.Enqueued(7, "/tmp/w")
	tk.Started()
	actx := tk.ActionContext()
	actx.Activity("sending chunk 2/4")
	actx.CompletionRatio(0.5)
	actx.Log("chunk 2 done")

	p := tk.Progress()
	if p.TaskID != 7 {
		t.Errorf("TaskID = %d, want 7", p.TaskID)
	}
	if p.Activity != "sending chunk 2/4" {
		t.Errorf("Activity = %q", p.Activity)
	}
	if p.CompletionRatio != 0.5 {
		t.Errorf("CompletionRatio = %v, want 0.5", p.CompletionRatio)
	}
	if p.Log != "chunk 2 done\n" {
		t.Errorf("Log = %q", p.Log)
	}
	if p.State != "in_progress" {
		t.Errorf("State = %q, want in_progress", p.State)
	}
	if !p.Cancelable {
		t.Errorf("Cancelable = false, want true")
	}
}

func TestCompletedClearsCancelable(t *testing.T) {
	tk := New("x", nil)
	tk.Enqueued(1, "")
	tk.Started()
	tk.Completed()
	if tk.Cancelable() {
		t.Errorf("Cancelable = true after Completed")
	}
	if tk.State() != Completed {
		t.Errorf("State = %v, want Completed", tk.State())
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{5 * time.Second, "5 seconds"},
		{65 * time.Second, "1 minutes, 5 seconds"},
		{3661 * time.Second, "1 hours, 1 minutes, 1 seconds"},
		{90061 * time.Second, "1 days, 1 hours, 1 minutes, 1 seconds"},
	}
	for _, c := range cases {
		if got := formatDuration(c.d); got != c.want {
			t.Errorf("formatDuration(%v) = %q, want %q", c.d, got, c.want)
		}
	}
}
