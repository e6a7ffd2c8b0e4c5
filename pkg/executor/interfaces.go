package executor

import (
	"context"
	"os"
)

// Executor runs commands on a remote host.
type Executor interface {
	// Run executes an idempotent command, retrying transport failures.
	Run(ctx context.Context, cmd string) (stdout []byte, err error)
	// RunOnce executes cmd exactly once.
	RunOnce(ctx context.Context, cmd string) (stdout []byte, err error)
}

// Uploader copies a local file to the remote host.
type Uploader interface {
	Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error
}

// Remote is an open connection to one device.
type Remote interface {
	Executor
	Uploader
	Close() error
}

// Dialer opens Remotes by host address (no port).
type Dialer interface {
	Dial(ctx context.Context, host string) (Remote, error)
}
