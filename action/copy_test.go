package action

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"filedist.dev/target"
	"filedist.dev/task"
)

func newTestActionContext(t *testing.T, workDir string) *task.ActionContext {
	t.Helper()
	return task.NewActionContext(workDir, func(string, *float64, string) {})
}

func TestCopyFileActionCopiesContent(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	srcPath := filepath.Join(srcDir, "payload.bin")
	if err := os.WriteFile(srcPath, []byte("hello distribution"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	src := target.Source{Path: srcPath, Filename: "payload.bin", SHA1: "ignored", Size: 19}
	tgt := &target.Descriptor{Name: "local", DistributionMethod: "cp", RemoteDirectory: dstDir}

	a := NewCopyFileAction(src, tgt)
	actx := newTestActionContext(t, "")
	if err := a.Run(context.Background(), actx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dstDir, "payload.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello distribution" {
		t.Errorf("copied content = %q, want %q", got, "hello distribution")
	}
}

func TestCpMethodRegistered(t *testing.T) {
	d := &target.Descriptor{Name: "local", DistributionMethod: "cp"}
	actions, err := target.CreateActions(target.Source{Filename: "f"}, d)
	if err != nil {
		t.Fatalf("CreateActions: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("len(actions) = %d, want 1", len(actions))
	}
	if _, ok := actions[0].(*CopyFileAction); !ok {
		t.Fatalf("actions[0] = %T, want *CopyFileAction", actions[0])
	}
}
