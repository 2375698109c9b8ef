package action

import (
	"context"

	"filedist.dev/internal/sshconn"
	"filedist.dev/target"
	"filedist.dev/task"
	"filedist.dev/transfer"
)

// ProbeUpToDateAction checks whether the remote file already carries the
// source's digest, so a following sftp or parallel_sftp transfer action can
// skip re-sending bytes that are already correct on the target. Ported from
// TestIfFileUpToDateOnTargetAction.
type ProbeUpToDateAction struct {
	Source target.Source
	Target *target.Descriptor
	dialer *sshconn.Dialer
}

func NewProbeUpToDateAction(src target.Source, t *target.Descriptor) *ProbeUpToDateAction {
	return &ProbeUpToDateAction{Source: src, Target: t, dialer: &sshconn.Dialer{}}
}

func (a *ProbeUpToDateAction) Weight() int { return 10 }

func (a *ProbeUpToDateAction) Run(ctx context.Context, actx *task.ActionContext) error {
	actx.Activity("Connecting to SSH server")
	remote := remotePath(a.Target, a.Source.Filename)
	tgt := transferTarget(a.Target)

	actx.Activity("Checking whether remote file is already up to date")
	upToDate, err := transfer.ProbeUpToDate(ctx, a.dialer, tgt, remote, a.Source.SHA1)
	if err != nil {
		// Unreachable host, missing file, whatever: treat as "not up to
		// date" and let the transfer action discover the real problem,
		// exactly as the original's bare except did.
		actx.Set("file_up_to_date_on_target", false)
		return nil
	}

	actx.Set("file_up_to_date_on_target", upToDate)
	if upToDate {
		actx.Activity("Remote file already up to date")
	} else {
		actx.Activity("Remote file is not up to date")
	}
	return nil
}
