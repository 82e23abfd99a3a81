package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/sftp"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/semaphore"

	"github.com/juno-kyojin/testcase-app/pkg/lg"
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultDialAttempts   = 3
	defaultDialRetryDelay = 2 * time.Second
)

// Config holds the dial parameters for the SSH/SFTP transport.
// Password and KeyFile may both be set; key auth is offered first.
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	KeyFile        string
	ConnectTimeout time.Duration
	DialAttempts   int
	DialRetryDelay time.Duration
}

func (c Config) addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

// SSHClient implements Client over an SSH connection with an SFTP
// subsystem. A circuit breaker guards the channel and a weighted
// semaphore serializes operations: the underlying session is shared
// and not reentrant, and a caller whose context dies while queued
// should not keep waiting for the channel.
type SSHClient struct {
	sem    *semaphore.Weighted // nil until Dial succeeds
	conn   *ssh.Client
	sftp   *sftp.Client
	cb     *gobreaker.CircuitBreaker
	addr   string
	logger lg.Logger
}

var _ Client = (*SSHClient)(nil)

// Dial connects to the device, proves the channel works with an echo
// round-trip, and opens the SFTP subsystem. The dial is retried with a
// doubling delay; ctx cancels only the waits between attempts.
func Dial(ctx context.Context, cfg Config, logger lg.Logger) (*SSHClient, error) {
	if logger == nil {
		logger = lg.Discard
	}
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
		BannerCallback:  func(string) error { return nil }, // ignore banner
	}

	addr := cfg.addr()
	var conn *ssh.Client
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		c, err := ssh.Dial("tcp", addr, sshCfg)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		if err := verifyChannel(c); err != nil {
			c.Close()
			return err
		}
		conn = c
		return nil
	}

	attempts := cfg.DialAttempts
	if attempts <= 0 {
		attempts = defaultDialAttempts
	}
	delay := cfg.DialRetryDelay
	if delay <= 0 {
		delay = defaultDialRetryDelay
	}
	bo := backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     delay,
		MaxInterval:         time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, uint64(attempts-1))
	notify := func(err error, next time.Duration) {
		logger.Warn("connect failed, retrying",
			lg.String("addr", addr),
			lg.Duration("retry_in", next),
			lg.Err(err))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	sftpc, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftp subsystem on %s: %w", addr, err)
	}

	cbs := gobreaker.Settings{
		Name:        "ssh-connection",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}

	logger.Info("transport connected", lg.String("addr", addr), lg.String("user", cfg.User))
	return &SSHClient{
		sem:    semaphore.NewWeighted(1),
		conn:   conn,
		sftp:   sftpc,
		cb:     gobreaker.NewCircuitBreaker(cbs),
		addr:   addr,
		logger: logger,
	}, nil
}

// acquire takes the channel slot, giving up when ctx dies first. On a
// client that never connected there is no slot to take.
func (c *SSHClient) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.sem == nil {
		return ErrNotConnected
	}
	return c.sem.Acquire(ctx, 1)
}

// verifyChannel runs an echo round-trip so a half-open TCP session does
// not pass for a working channel.
func verifyChannel(conn *ssh.Client) error {
	sess, err := conn.NewSession()
	if err != nil {
		return fmt.Errorf("verify session: %w", err)
	}
	defer sess.Close()

	out, err := sess.Output("echo connection_test")
	if err != nil {
		return fmt.Errorf("verify command: %w", err)
	}
	if !strings.Contains(string(out), "connection_test") {
		return fmt.Errorf("verify command: unexpected reply %q", strings.TrimSpace(string(out)))
	}
	return nil
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", cfg.KeyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("transport: no auth method configured (need password or key_file)")
	}
	return methods, nil
}

// Addr returns the host:port this client dialed.
func (c *SSHClient) Addr() string { return c.addr }

func (c *SSHClient) Upload(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		// A missing local file is the caller's problem, not the
		// channel's; keep it away from the breaker.
		return &OpError{Op: "upload", Path: localPath, Err: err}
	}
	defer src.Close()

	if err := c.acquire(ctx); err != nil {
		return &OpError{Op: "upload", Path: remotePath, Err: err}
	}
	defer c.sem.Release(1)
	if c.sftp == nil {
		return &OpError{Op: "upload", Path: remotePath, Err: ErrNotConnected}
	}

	_, err = c.cb.Execute(func() (any, error) {
		dst, err := c.sftp.Create(remotePath)
		if err != nil {
			return nil, err
		}
		n, err := io.Copy(dst, src)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, err
		}
		c.logger.Debug("uploaded", lg.String("remote", remotePath), lg.Int64("bytes", n))
		return nil, nil
	})
	if err != nil {
		return &OpError{Op: "upload", Path: remotePath, Err: err}
	}
	return nil
}

func (c *SSHClient) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := c.stat(ctx, remotePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, &OpError{Op: "stat", Path: remotePath, Err: err}
	}
	return true, nil
}

func (c *SSHClient) Size(ctx context.Context, remotePath string) (int64, error) {
	info, err := c.stat(ctx, remotePath)
	if err != nil {
		return 0, &OpError{Op: "stat", Path: remotePath, Err: err}
	}
	return info.Size(), nil
}

func (c *SSHClient) Download(ctx context.Context, remotePath string) ([]byte, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, &OpError{Op: "download", Path: remotePath, Err: err}
	}
	defer c.sem.Release(1)
	if c.sftp == nil {
		return nil, &OpError{Op: "download", Path: remotePath, Err: ErrNotConnected}
	}

	res, err := c.cb.Execute(func() (any, error) {
		f, err := c.sftp.Open(remotePath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	})
	if err != nil {
		return nil, &OpError{Op: "download", Path: remotePath, Err: err}
	}
	return res.([]byte), nil
}

func (c *SSHClient) VerifyDirs(ctx context.Context, dirs ...string) error {
	for _, dir := range dirs {
		info, err := c.stat(ctx, dir)
		if err != nil {
			return &OpError{Op: "verify", Path: dir, Err: err}
		}
		if !info.IsDir() {
			return &OpError{Op: "verify", Path: dir, Err: errors.New("not a directory")}
		}
	}
	return nil
}

func (c *SSHClient) Close() error {
	if c.sem == nil {
		return nil
	}
	if err := c.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer c.sem.Release(1)
	if c.sftp == nil {
		return nil
	}
	serr := c.sftp.Close()
	cerr := c.conn.Close()
	c.sftp, c.conn = nil, nil
	if serr != nil {
		return serr
	}
	return cerr
}

// stat runs Stat through the breaker. A missing path comes back as
// os.ErrNotExist without counting as a breaker failure: during a poll
// cycle "not there yet" is an answer, not a channel fault.
func (c *SSHClient) stat(ctx context.Context, remotePath string) (os.FileInfo, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	if c.sftp == nil {
		return nil, ErrNotConnected
	}

	res, err := c.cb.Execute(func() (any, error) {
		info, err := c.sftp.Stat(remotePath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, os.ErrNotExist
	}
	return res.(os.FileInfo), nil
}
