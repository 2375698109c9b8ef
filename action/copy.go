package action

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"filedist.dev/target"
	"filedist.dev/task"
)

// CopyFileAction copies a stashed file onto the local filesystem. Ported
// from the original's CopyFileAction, with fabric's shelled-out `cp`
// replaced by a direct os/io copy: the teacher and the rest of the pack
// never shell out for a plain local file copy.
type CopyFileAction struct {
	Source target.Source
	Target *target.Descriptor
}

func NewCopyFileAction(src target.Source, t *target.Descriptor) *CopyFileAction {
	return &CopyFileAction{Source: src, Target: t}
}

func (a *CopyFileAction) Weight() int { return 50 }

func (a *CopyFileAction) Run(ctx context.Context, actx *task.ActionContext) error {
	dstPath := actx.TranslatePath(a.Source.Filename)
	if a.Target.RemoteDirectory != "" {
		dstPath = filepath.Join(a.Target.RemoteDirectory, a.Source.Filename)
	}

	actx.Activity("Copying file to " + dstPath)

	src, err := os.Open(a.Source.Path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	if err := dst.Sync(); err != nil {
		return err
	}

	actx.Activity("Copy complete")
	actx.CompletionRatio(1)
	return nil
}

func init() {
	target.Register("cp", func(src target.Source, t *target.Descriptor) []task.Action {
		return []task.Action{NewCopyFileAction(src, t)}
	})
}
