package executor

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type uploaded struct {
	mode string
	name string
	data []byte
}

type failure struct {
	status uint32
	stderr string
}

// fakeDevice is an in-process ssh server standing in for a device host OS.
type fakeDevice struct {
	mu        sync.Mutex
	commands  []string
	files     map[string]uploaded
	outputs   map[string]string
	failures  map[string]failure
	rejectSCP string
	blocking  map[string]chan struct{}
	signals   map[string]string
	closed    map[string]bool

	addr       *net.TCPAddr
	hostSigner ssh.Signer
	userSigner ssh.Signer
}

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

func startFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	d := &fakeDevice{
		files:      map[string]uploaded{},
		outputs:    map[string]string{},
		failures:   map[string]failure{},
		blocking:   map[string]chan struct{}{},
		signals:    map[string]string{},
		closed:     map[string]bool{},
		hostSigner: newSigner(t),
		userSigner: newSigner(t),
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), d.userSigner.PublicKey().Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key")
		},
	}
	cfg.AddHostKey(d.hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	d.addr = ln.Addr().(*net.TCPAddr)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go d.serveConn(conn, cfg)
		}
	}()
	return d
}

func (d *fakeDevice) clientConfig() *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(d.userSigner)},
		HostKeyCallback: ssh.FixedHostKey(d.hostSigner.PublicKey()),
	}
}

func (d *fakeDevice) setOutput(cmd, out string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outputs[cmd] = out
}

func (d *fakeDevice) setFailure(cmd string, f failure) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[cmd] = f
}

func (d *fakeDevice) setRejectSCP(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejectSCP = msg
}

// setBlocking makes cmd run until the client signals or closes its session.
// The returned channel is closed once cmd has started.
func (d *fakeDevice) setBlocking(cmd string) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	started := make(chan struct{})
	d.blocking[cmd] = started
	return started
}

func (d *fakeDevice) signal(cmd string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signals[cmd]
}

func (d *fakeDevice) sessionClosed(cmd string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed[cmd]
}

func (d *fakeDevice) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func (d *fakeDevice) file(path string) (uploaded, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[path]
	return f, ok
}

func (d *fakeDevice) serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go d.serveSession(ch, chReqs)
	}
}

func (d *fakeDevice) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	defer func() { go ssh.DiscardRequests(reqs) }()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var p struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				req.Reply(false, nil)
				return
			}
			req.Reply(true, nil)
			if d.hold(p.Command, reqs) {
				return
			}
			status := d.exec(p.Command, ch)
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return
		case "subsystem":
			var p struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &p); err != nil || p.Name != "sftp" {
				req.Reply(false, nil)
				return
			}
			req.Reply(true, nil)
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			_ = server.Serve()
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// hold serves a blocking command, reporting false when cmd is not one.
func (d *fakeDevice) hold(cmd string, reqs <-chan *ssh.Request) bool {
	d.mu.Lock()
	started, ok := d.blocking[cmd]
	delete(d.blocking, cmd)
	if ok {
		d.commands = append(d.commands, cmd)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}

	close(started)
	for req := range reqs {
		if req.Type == "signal" {
			var p struct{ Signal string }
			if ssh.Unmarshal(req.Payload, &p) == nil {
				d.mu.Lock()
				d.signals[cmd] = p.Signal
				d.mu.Unlock()
			}
		}
		if req.WantReply {
			req.Reply(false, nil)
		}
	}
	d.mu.Lock()
	d.closed[cmd] = true
	d.mu.Unlock()
	return true
}

func (d *fakeDevice) exec(cmd string, ch ssh.Channel) uint32 {
	d.mu.Lock()
	d.commands = append(d.commands, cmd)
	out, hasOut := d.outputs[cmd]
	fail, hasFail := d.failures[cmd]
	reject := d.rejectSCP
	d.mu.Unlock()

	if strings.HasPrefix(cmd, "scp -t ") {
		return d.scpSink(strings.Trim(strings.TrimPrefix(cmd, "scp -t "), "'"), ch, reject)
	}
	if hasFail {
		io.WriteString(ch.Stderr(), fail.stderr)
		return fail.status
	}
	if hasOut {
		io.WriteString(ch, out)
	}
	return 0
}

func (d *fakeDevice) scpSink(target string, ch ssh.Channel, reject string) uint32 {
	r := bufio.NewReader(ch)
	if reject != "" {
		fmt.Fprintf(ch, "\x02%s\n", reject)
		return 1
	}
	ch.Write([]byte{0})
	header, err := r.ReadString('\n')
	if err != nil {
		return 1
	}
	var (
		mode string
		size int64
		name string
	)
	if _, err := fmt.Sscanf(header, "C%s %d %s", &mode, &size, &name); err != nil {
		return 1
	}
	ch.Write([]byte{0})
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return 1
	}
	if b, err := r.ReadByte(); err != nil || b != 0 {
		return 1
	}
	d.mu.Lock()
	d.files[target] = uploaded{mode: mode, name: name, data: data}
	d.mu.Unlock()
	ch.Write([]byte{0})
	return 0
}
