// Package action provides the concrete task.Action implementations behind
// each registered distribution method (cp, sftp, parallel_sftp), each
// registering itself with the target package from its own file's init(),
// one method per file, exactly as the teacher registers each storage
// backend from its own file.
package action

import (
	"path"

	"filedist.dev/internal/sshconn"
	"filedist.dev/target"
	"filedist.dev/task"
	"filedist.dev/transfer"
)

func remotePath(t *target.Descriptor, filename string) string {
	if t.RemoteDirectory == "" {
		return filename
	}
	return path.Join(t.RemoteDirectory, filename)
}

func transferTarget(t *target.Descriptor) transfer.Target {
	return transfer.Target{
		Endpoint: sshconn.Endpoint{
			User:           t.User,
			Host:           t.Host,
			Port:           t.Port,
			PrivateKeyFile: t.PrivateKeyFile,
		},
		ChunkSize:            t.ChunkSize,
		MaxParallelTransfers: t.MaxParallelTransfers,
	}
}

// fileUpToDate reports whether a prior ProbeUpToDateAction already
// determined this task's file matches what's on the target.
func fileUpToDate(actx *task.ActionContext) bool {
	v, ok := actx.Get("file_up_to_date_on_target")
	return ok && v == true
}
