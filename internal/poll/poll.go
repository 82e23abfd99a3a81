// Package poll waits for the device to finish writing a result file.
// The device writes results asynchronously and non-atomically, so a
// file that merely exists is not trusted: it must carry no in-progress
// marker, meet a minimum size, and hold that size across a stability
// window before it counts as ready.
package poll

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/juno-kyojin/testcase-app/internal/testjob"
	"github.com/juno-kyojin/testcase-app/internal/transport"
	"github.com/juno-kyojin/testcase-app/pkg/lg"
)

// PartSuffix marks a result file the device is still writing.
const PartSuffix = ".part"

// Backoff policy names accepted by Config.Backoff.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

const (
	defaultInterval        = 3 * time.Second
	defaultMaxAttempts     = 40
	defaultStabilityDelay  = 500 * time.Millisecond
	defaultMinResultSize   = 10
	defaultDownloadRetries = 2
)

// Kind discriminates the terminal states of a wait.
type Kind int

const (
	// Ready means a complete result file was downloaded; Payload holds it.
	Ready Kind = iota
	// Timeout means the attempt budget ran out, or the wait was cancelled,
	// without a complete result appearing.
	Timeout
	// ConnError means the transport failed while polling or downloading.
	ConnError
)

func (k Kind) String() string {
	switch k {
	case Ready:
		return "ready"
	case Timeout:
		return "timeout"
	case ConnError:
		return "connection error"
	}
	return "unknown"
}

// Result is the terminal signal of one wait cycle.
type Result struct {
	Kind       Kind
	Payload    []byte // set only for Ready
	Err        error  // transport diagnostic, set only for ConnError
	Attempts   int
	Elapsed    time.Duration
	Cancelled  bool // Timeout caused by cancellation rather than budget
	ConnStatus testjob.ConnStatus
}

// Observation is what a single poll attempt saw at the result path.
type Observation string

const (
	ObservedAbsent     Observation = "absent"
	ObservedIncomplete Observation = "incomplete"
	ObservedReady      Observation = "ready"
)

// Notify receives per-attempt progress. May be nil.
type Notify func(attempt int, observed Observation)

// Config tunes one wait cycle. Zero fields fall back to defaults.
type Config struct {
	Interval        time.Duration
	MaxAttempts     int
	Backoff         string // BackoffFixed or BackoffExponential
	StabilityDelay  time.Duration
	MinResultSize   int64
	DownloadRetries int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Backoff == "" {
		c.Backoff = BackoffFixed
	}
	if c.StabilityDelay <= 0 {
		c.StabilityDelay = defaultStabilityDelay
	}
	if c.MinResultSize <= 0 {
		c.MinResultSize = defaultMinResultSize
	}
	if c.DownloadRetries <= 0 {
		c.DownloadRetries = defaultDownloadRetries
	}
	return c
}

// WidenTo raises MaxAttempts until one cycle spans at least floor of
// wall-clock waiting, or twice the configured budget, whichever is
// larger. Used for definitions that knock out the device's network:
// the link needs room to come back before the budget runs out.
func (c Config) WidenTo(floor time.Duration) Config {
	c = c.withDefaults()
	want := 2 * time.Duration(c.MaxAttempts) * c.Interval
	if want < floor {
		want = floor
	}
	c.MaxAttempts = int((want + c.Interval - 1) / c.Interval)
	return c
}

// Scheduler runs wait cycles. Safe to reuse across jobs; each Wait call
// is one self-contained cycle.
type Scheduler struct {
	cfg    Config
	logger lg.Logger
}

func New(cfg Config, logger lg.Logger) *Scheduler {
	if logger == nil {
		logger = lg.Discard
	}
	return &Scheduler{cfg: cfg.withDefaults(), logger: logger}
}

var (
	errAbsent     = errors.New("result file not present")
	errIncomplete = errors.New("result file incomplete")
)

// Wait polls remotePath until a complete result file is downloaded, the
// attempt budget runs out, or the transport gives up. Cancellation is
// observed only in the sleeps between attempts; an in-flight transport
// call is never aborted, and a cancelled wait still returns a definite
// Result (Timeout with Cancelled set).
func (s *Scheduler) Wait(ctx context.Context, tr transport.Client, remotePath string, notify Notify) Result {
	cfg := s.cfg
	start := time.Now()

	var (
		attempts  int
		payload   []byte
		connErr   error
		connPhase testjob.ConnStatus
		statErrs  int
	)

	// escalate buries transient stat noise up to the retry budget, then
	// gives up on the channel.
	escalate := func(err error) error {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		statErrs++
		if statErrs > cfg.DownloadRetries {
			connErr, connPhase = err, testjob.ConnPollFailed
			return backoff.Permanent(err)
		}
		s.observe(notify, attempts, ObservedAbsent)
		return err
	}

	operation := func() error {
		attempts++

		partial, err := tr.Exists(ctx, remotePath+PartSuffix)
		if err != nil {
			return escalate(err)
		}
		if partial {
			s.observe(notify, attempts, ObservedIncomplete)
			return errIncomplete
		}

		exists, err := tr.Exists(ctx, remotePath)
		if err != nil {
			return escalate(err)
		}
		statErrs = 0
		if !exists {
			s.observe(notify, attempts, ObservedAbsent)
			return errAbsent
		}

		size1, err := tr.Size(ctx, remotePath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Vanished between the existence check and the stat.
				s.observe(notify, attempts, ObservedAbsent)
				return errAbsent
			}
			return escalate(err)
		}
		if size1 < cfg.MinResultSize {
			s.observe(notify, attempts, ObservedIncomplete)
			return errIncomplete
		}

		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case <-time.After(cfg.StabilityDelay):
		}

		size2, err := tr.Size(ctx, remotePath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				s.observe(notify, attempts, ObservedAbsent)
				return errAbsent
			}
			return escalate(err)
		}
		if size1 != size2 {
			s.observe(notify, attempts, ObservedIncomplete)
			return errIncomplete
		}

		data, err := s.download(ctx, tr, remotePath)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			connErr, connPhase = err, testjob.ConnDownloadFailed
			return backoff.Permanent(err)
		}
		payload = data
		s.observe(notify, attempts, ObservedReady)
		return nil
	}

	logNext := func(err error, next time.Duration) {
		s.logger.Debug("result not ready",
			lg.String("path", remotePath),
			lg.Int("attempt", attempts),
			lg.Duration("next_poll_in", next),
			lg.Err(err))
	}

	err := backoff.RetryNotify(operation, s.budget(ctx, cfg), logNext)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		return Result{
			Kind: Ready, Payload: payload,
			Attempts: attempts, Elapsed: elapsed,
			ConnStatus: testjob.ConnConnected,
		}
	case connErr != nil:
		return Result{
			Kind: ConnError, Err: connErr,
			Attempts: attempts, Elapsed: elapsed,
			ConnStatus: connPhase,
		}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return Result{
			Kind: Timeout, Cancelled: true,
			Attempts: attempts, Elapsed: elapsed,
			ConnStatus: testjob.ConnConnected,
		}
	default:
		return Result{
			Kind:     Timeout,
			Attempts: attempts, Elapsed: elapsed,
			ConnStatus: testjob.ConnConnected,
		}
	}
}

// budget builds the retry policy for one cycle: MaxAttempts total
// attempts spaced by the configured interval policy.
func (s *Scheduler) budget(ctx context.Context, cfg Config) backoff.BackOff {
	var bo backoff.BackOff
	switch cfg.Backoff {
	case BackoffExponential:
		bo = &backoff.ExponentialBackOff{
			InitialInterval:     cfg.Interval,
			MaxInterval:         8 * cfg.Interval,
			Multiplier:          1.5,
			RandomizationFactor: 0.5,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		}
	default:
		bo = backoff.NewConstantBackOff(cfg.Interval)
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.MaxAttempts-1)), ctx)
}

func (s *Scheduler) download(ctx context.Context, tr transport.Client, remotePath string) ([]byte, error) {
	var data []byte
	operation := func() error {
		d, err := tr.Download(ctx, remotePath)
		if err != nil {
			return err
		}
		data = d
		return nil
	}
	// Failed downloads are retried at the poll cadence.
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.Interval), uint64(s.cfg.DownloadRetries))
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Scheduler) observe(notify Notify, attempt int, obs Observation) {
	if notify != nil {
		notify(attempt, obs)
	}
}
