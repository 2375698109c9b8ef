package action

import (
	"context"

	"filedist.dev/target"
	"filedist.dev/task"
	"filedist.dev/transfer"
)

// SftpPutAction sends a stashed file to a remote target over a single SFTP
// stream, skipping the transfer entirely when a preceding
// ProbeUpToDateAction already found the remote file up to date. Ported
// from the original's SftpSendFileAction.
type SftpPutAction struct {
	Source target.Source
	Target *target.Descriptor
}

func NewSftpPutAction(src target.Source, t *target.Descriptor) *SftpPutAction {
	return &SftpPutAction{Source: src, Target: t}
}

func (a *SftpPutAction) Weight() int { return 100 }

func (a *SftpPutAction) Run(ctx context.Context, actx *task.ActionContext) error {
	if fileUpToDate(actx) {
		actx.Activity("Remote file already up to date, skipping transfer")
		actx.CompletionRatio(1)
		return nil
	}

	actx.Activity("Connecting to SSH server")
	remote := remotePath(a.Target, a.Source.Filename)
	tgt := transferTarget(a.Target)

	actx.Activity("Transferring file via SFTP")
	err := transfer.PutWithProgress(ctx, tgt, a.Source.Path, remote, a.Source.SHA1, func(ratio float64) {
		actx.CompletionRatio(ratio)
	})
	if err != nil {
		return err
	}

	actx.Activity("Transfer complete")
	return nil
}

func init() {
	target.Register("sftp", func(src target.Source, t *target.Descriptor) []task.Action {
		return []task.Action{NewProbeUpToDateAction(src, t), NewSftpPutAction(src, t)}
	})
}
