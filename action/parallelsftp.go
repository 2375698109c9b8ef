package action

import (
	"context"

	"filedist.dev/target"
	"filedist.dev/task"
	"filedist.dev/transfer"
)

// ParallelSftpPutAction sends a stashed file to a remote target by
// partitioning it into chunks and transferring them concurrently over
// several SFTP connections, skipping the transfer entirely when a
// preceding ProbeUpToDateAction already found the remote file up to date.
// Ported from the original's ParallelSftpSendFileAction.
type ParallelSftpPutAction struct {
	Source target.Source
	Target *target.Descriptor
}

func NewParallelSftpPutAction(src target.Source, t *target.Descriptor) *ParallelSftpPutAction {
	return &ParallelSftpPutAction{Source: src, Target: t}
}

func (a *ParallelSftpPutAction) Weight() int { return 100 }

func (a *ParallelSftpPutAction) Run(ctx context.Context, actx *task.ActionContext) error {
	if fileUpToDate(actx) {
		actx.Activity("Remote file already up to date, skipping transfer")
		actx.CompletionRatio(1)
		return nil
	}

	actx.Activity("Connecting to SSH server")
	remote := remotePath(a.Target, a.Source.Filename)
	tgt := transferTarget(a.Target)

	actx.Activity("Transferring file chunks via SFTP")
	err := transfer.ParallelPut(ctx, tgt, a.Source.Path, remote, a.Source.Size, a.Source.SHA1, func(ratio float64) {
		actx.CompletionRatio(ratio)
	})
	if err != nil {
		return err
	}

	actx.Activity("Transfer complete")
	return nil
}

func init() {
	target.Register("parallel_sftp", func(src target.Source, t *target.Descriptor) []task.Action {
		return []task.Action{NewProbeUpToDateAction(src, t), NewParallelSftpPutAction(src, t)}
	})
}
