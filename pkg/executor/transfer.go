package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/andrej220/fleetmigrate/pkg/config"
	"github.com/pkg/sftp"
)

var ErrTransfer = errors.New("file transfer failed")

// Upload copies localPath to remotePath with mode, using scp or sftp.
func (e *SSHExecutor) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	f, err := os.Open(filepath.Clean(localPath))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransfer, err)
	}

	switch e.transfer {
	case config.TransferSFTP:
		err = e.uploadSFTP(ctx, f, remotePath, mode)
	default:
		err = e.uploadSCP(ctx, f, info.Size(), remotePath, mode)
	}
	if err != nil {
		return fmt.Errorf("%w: %s -> %s:%s: %w", ErrTransfer, localPath, e.RemoteAddr(), remotePath, err)
	}
	return nil
}

func (e *SSHExecutor) uploadSFTP(ctx context.Context, src io.Reader, remotePath string, mode os.FileMode) error {
	client, err := sftp.NewClient(e.client.SSHClient)
	if err != nil {
		return fmt.Errorf("sftp session: %w", err)
	}
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	dst, err := client.Create(remotePath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return client.Chmod(remotePath, mode)
}

// uploadSCP speaks the sink side of the scp protocol over a session running
// "scp -t".
func (e *SSHExecutor) uploadSCP(ctx context.Context, src io.Reader, size int64, remotePath string, mode os.FileMode) error {
	sess, err := e.client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	stdin, err := sess.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := sess.Start("scp -t " + ShellQuote(remotePath)); err != nil {
		return fmt.Errorf("start scp: %w", err)
	}

	sendErr := make(chan error, 1)
	go func() {
		err := scpSend(stdin, bufio.NewReader(stdout), path.Base(remotePath), mode, size, src)
		stdin.Close()
		sendErr <- err
	}()

	select {
	case err = <-sendErr:
	case <-ctx.Done():
		sess.Close()
		<-sendErr
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	return waitSession(ctx, sess)
}

// scpSend writes a single file record and checks every acknowledgement.
func scpSend(w io.Writer, r *bufio.Reader, name string, mode os.FileMode, size int64, content io.Reader) error {
	if err := scpAck(r); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "C%04o %d %s\n", mode.Perm(), size, name); err != nil {
		return err
	}
	if err := scpAck(r); err != nil {
		return err
	}
	n, err := io.CopyN(w, content, size)
	if err != nil {
		return fmt.Errorf("copied %d of %d bytes: %w", n, size, err)
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return err
	}
	return scpAck(r)
}

// scpAck reads one response byte: 0 is ok, 1 is a warning and 2 a fatal
// error, both followed by a message line.
func scpAck(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("scp: no acknowledgement: %w", err)
	}
	if b == 0 {
		return nil
	}
	msg, _ := r.ReadString('\n')
	msg = strings.TrimSpace(msg)
	if b == 1 || b == 2 {
		return fmt.Errorf("scp: %s", msg)
	}
	return fmt.Errorf("scp: unexpected response %q%s", b, msg)
}

// ShellQuote single-quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
