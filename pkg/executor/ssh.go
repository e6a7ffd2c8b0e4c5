package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"
)

// SSHExecutor runs commands and copies files over one ssh connection.
type SSHExecutor struct {
	client   *ResilientSSHClient
	transfer string
}

var _ Remote = (*SSHExecutor)(nil)

func NewSSHExecutor(client *ResilientSSHClient, transfer string) *SSHExecutor {
	return &SSHExecutor{client: client, transfer: transfer}
}

// CommandError is a command that ran and exited non-zero.
type CommandError struct {
	Command    string
	ExitStatus int
	Stderr     string
	Err        error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("remote command %q exited with status %d", e.Command, e.ExitStatus)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func (e *SSHExecutor) Run(ctx context.Context, cmd string) ([]byte, error) {
	var out []byte
	operation := func() error {
		var err error
		out, err = e.RunOnce(ctx, cmd)
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(e.client.ResConf.NewBackOff(), ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *SSHExecutor) RunOnce(ctx context.Context, cmd string) ([]byte, error) {
	sess, err := e.client.NewSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if err := sess.Start(cmd); err != nil {
		return nil, fmt.Errorf("start %q: %w", cmd, err)
	}
	if err := waitSession(ctx, sess); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &CommandError{
				Command:    cmd,
				ExitStatus: exitErr.ExitStatus(),
				Stderr:     strings.TrimSpace(stderr.String()),
				Err:        err,
			}
		}
		return nil, fmt.Errorf("run %q: %w", cmd, err)
	}
	return stdout.Bytes(), nil
}

// waitSession waits for the remote command, closing the session when ctx
// is cancelled first.
func waitSession(ctx context.Context, sess *ssh.Session) error {
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		sess.Close()
		<-done
		return ctx.Err()
	}
}

func (e *SSHExecutor) RemoteAddr() string {
	return e.client.RemoteAddr()
}

func (e *SSHExecutor) Close() error {
	return e.client.Close()
}
