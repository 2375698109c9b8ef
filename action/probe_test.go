package action

import (
	"context"
	"testing"

	"filedist.dev/target"
	"filedist.dev/task"
)

// TestProbeUpToDateActionTreatsDialFailureAsNotUpToDate exercises the
// original's bare except-and-treat-as-not-up-to-date behavior: a host
// that can't be reached must not fail the action, it must just record
// false and let the transfer action discover the real error.
func TestProbeUpToDateActionTreatsDialFailureAsNotUpToDate(t *testing.T) {
	a := NewProbeUpToDateAction(
		target.Source{Filename: "f", SHA1: "deadbeef"},
		&target.Descriptor{Name: "staging", Host: "example.invalid", Port: "22"},
	)

	var got interface{}
	actx := task.NewActionContext("", func(string, *float64, string) {})

	if err := a.Run(context.Background(), actx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, ok := actx.Get("file_up_to_date_on_target")
	if !ok {
		t.Fatal("file_up_to_date_on_target not set")
	}
	if got != false {
		t.Errorf("file_up_to_date_on_target = %v, want false", got)
	}
}
