package action

import (
	"context"
	"testing"

	"filedist.dev/target"
	"filedist.dev/task"
)

func TestSftpMethodRegistersProbeAndPut(t *testing.T) {
	d := &target.Descriptor{Name: "staging", DistributionMethod: "sftp", Host: "example.invalid"}
	actions, err := target.CreateActions(target.Source{Filename: "f"}, d)
	if err != nil {
		t.Fatalf("CreateActions: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("len(actions) = %d, want 2", len(actions))
	}
	if _, ok := actions[0].(*ProbeUpToDateAction); !ok {
		t.Fatalf("actions[0] = %T, want *ProbeUpToDateAction", actions[0])
	}
	if _, ok := actions[1].(*SftpPutAction); !ok {
		t.Fatalf("actions[1] = %T, want *SftpPutAction", actions[1])
	}
}

// TestSftpPutActionSkipsWhenUpToDate exercises the hint-driven skip path
// without ever dialing a network connection: when a prior probe already
// recorded the file as up to date, SftpPutAction.Run must return before
// touching the network.
func TestSftpPutActionSkipsWhenUpToDate(t *testing.T) {
	a := NewSftpPutAction(target.Source{Filename: "f", SHA1: "deadbeef"}, &target.Descriptor{
		Name: "staging", Host: "example.invalid",
	})

	actx := task.NewActionContext("", func(string, *float64, string) {})
	actx.Set("file_up_to_date_on_target", true)

	if err := a.Run(context.Background(), actx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
