package executor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/andrej220/fleetmigrate/internal/lg"
	"github.com/andrej220/fleetmigrate/pkg/config"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
)

type ResilienceConfig struct {
	// NewBackOff returns a fresh policy for each retried operation.
	NewBackOff             func() backoff.BackOff
	CircuitBreakerSettings gobreaker.Settings
}

func DefaultResilienceConfig() *ResilienceConfig {
	return &ResilienceConfig{
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ExponentialBackOff{
				InitialInterval:     500 * time.Millisecond,
				MaxInterval:         5 * time.Second,
				Multiplier:          1.5,
				RandomizationFactor: 0.5,
				Stop:                backoff.Stop,
				Clock:               backoff.SystemClock,
			}, 5)
		},
		CircuitBreakerSettings: gobreaker.Settings{
			Name:        "ssh-connection",
			MaxRequests: 5,
			Interval:    1 * time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		},
	}
}

// ResilientSSHClient is one ssh connection whose sessions are opened
// through a circuit breaker.
type ResilientSSHClient struct {
	SSHClient *ssh.Client
	ResConf   *ResilienceConfig
	breaker   *gobreaker.CircuitBreaker
}

func NewResilientClient(client *ssh.Client, resConf *ResilienceConfig) *ResilientSSHClient {
	cbs := resConf.CircuitBreakerSettings
	cbs.Name = cbs.Name + " " + client.RemoteAddr().String()
	return &ResilientSSHClient{
		SSHClient: client,
		ResConf:   resConf,
		breaker:   gobreaker.NewCircuitBreaker(cbs),
	}
}

// NewSession opens a session via the circuit breaker.
// The caller is responsible for closing the returned session.
func (c *ResilientSSHClient) NewSession() (*ssh.Session, error) {
	res, err := c.breaker.Execute(func() (any, error) {
		return c.SSHClient.NewSession()
	})
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	return res.(*ssh.Session), nil
}

func (c *ResilientSSHClient) RemoteAddr() string {
	return c.SSHClient.RemoteAddr().String()
}

func (c *ResilientSSHClient) Close() error {
	return c.SSHClient.Close()
}

// SSHDialer connects to devices with a shared client configuration.
type SSHDialer struct {
	clientConfig *ssh.ClientConfig
	port         int
	transfer     string
	resConf      *ResilienceConfig
	closer       func() error
	logger       lg.Logger
}

var _ Dialer = (*SSHDialer)(nil)

func NewSSHDialer(cfg config.SSHConfig, logger lg.Logger) (*SSHDialer, error) {
	clientConfig, closer, err := ClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewSSHDialerWithConfig(clientConfig, cfg.Port, cfg.Transfer, logger, closer), nil
}

// NewSSHDialerWithConfig uses a prepared client configuration. closer may be nil.
func NewSSHDialerWithConfig(clientConfig *ssh.ClientConfig, port int, transfer string, logger lg.Logger, closer func() error) *SSHDialer {
	if closer == nil {
		closer = func() error { return nil }
	}
	if logger == nil {
		logger = lg.Discard
	}
	return &SSHDialer{
		clientConfig: clientConfig,
		port:         port,
		transfer:     transfer,
		resConf:      DefaultResilienceConfig(),
		closer:       closer,
		logger:       logger,
	}
}

// SetResilience replaces the retry and breaker policy.
func (d *SSHDialer) SetResilience(rc *ResilienceConfig) {
	d.resConf = rc
}

// Dial connects to host, retrying with backoff. Authentication failures
// are not retried.
func (d *SSHDialer) Dial(ctx context.Context, host string) (Remote, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(d.port))
	var client *ssh.Client

	operation := func() error {
		c, err := d.dial(ctx, addr)
		if err != nil {
			if isAuthError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		client = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Warn("ssh dial failed, retrying", lg.String("addr", addr), lg.Duration("wait", wait), lg.Err(err))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(d.resConf.NewBackOff(), ctx), notify); err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	d.logger.Debug("ssh connection established", lg.String("addr", addr))
	return NewSSHExecutor(NewResilientClient(client, d.resConf), d.transfer), nil
}

func (d *SSHDialer) dial(ctx context.Context, addr string) (*ssh.Client, error) {
	nd := net.Dialer{Timeout: d.clientConfig.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if d.clientConfig.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.clientConfig.Timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, d.clientConfig)
	if err != nil {
		conn.Close()
		return nil, err
	}
	// handshake done, sessions may run longer than the dial timeout
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Close releases resources shared by all connections (ssh-agent).
func (d *SSHDialer) Close() error {
	return d.closer()
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}
