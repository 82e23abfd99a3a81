// Package delivery runs one test job end to end: upload the definition,
// give the device a moment to pick it up, wait for the result file,
// classify what came back, and persist exactly one history record.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/juno-kyojin/testcase-app/internal/classify"
	"github.com/juno-kyojin/testcase-app/internal/history"
	"github.com/juno-kyojin/testcase-app/internal/poll"
	"github.com/juno-kyojin/testcase-app/internal/testjob"
	"github.com/juno-kyojin/testcase-app/internal/transport"
	"github.com/juno-kyojin/testcase-app/pkg/lg"
)

const (
	defaultSettleDelay  = 1 * time.Second
	defaultNetworkGrace = 5 * time.Minute

	// persistTimeout bounds the history append for jobs whose own
	// context is already gone.
	persistTimeout = 10 * time.Second
)

// Archiver stores a local copy of a downloaded result payload.
// *archive.Archive is the usual implementation.
type Archiver interface {
	Save(job testjob.TestJob, payload []byte) (string, error)
}

// Config tunes the engine. Zero fields fall back to defaults.
type Config struct {
	Poll poll.Config

	// SettleDelay is how long to wait between a successful upload and
	// the first result check. The device needs a moment to notice the
	// definition; polling instantly just burns an attempt.
	SettleDelay time.Duration

	// NetworkGrace is the minimum wall-clock poll budget granted to
	// jobs marked NetworkAffecting.
	NetworkGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.SettleDelay <= 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.NetworkGrace <= 0 {
		c.NetworkGrace = defaultNetworkGrace
	}
	return c
}

// Engine turns jobs into history records. Archive and Sink are
// optional; set them before the first Deliver call.
type Engine struct {
	tr     transport.Client
	store  history.Store
	cfg    Config
	logger lg.Logger

	// Archive, when set, receives every downloaded result payload.
	Archive Archiver

	// Sink, when set, receives lifecycle events.
	Sink testjob.Sink
}

func New(tr transport.Client, store history.Store, cfg Config, logger lg.Logger) *Engine {
	if logger == nil {
		logger = lg.Discard
	}
	return &Engine{tr: tr, store: store, cfg: cfg.withDefaults(), logger: logger}
}

// Deliver runs the full cycle for one job. It always returns a record
// with a definite status, even when ctx is cancelled mid-wait. The
// error reports persistence trouble only: a non-nil error means the
// record was produced but could not be appended to history, and the
// caller should surface that as a secondary warning, not as a job
// failure.
func (e *Engine) Deliver(ctx context.Context, job testjob.TestJob) (testjob.HistoryRecord, error) {
	logger := e.logger.With(
		lg.String("test_id", job.TestID.String()),
		lg.String("file", job.FileName),
	)

	e.Sink.Emit(testjob.Event{
		Kind: testjob.EventJobStarted, TestID: job.TestID,
		FileName: job.FileName, At: time.Now(),
	})
	logger.Info("delivering test definition", lg.String("remote", job.RemotePath))

	out := e.run(ctx, job, logger)
	rec := testjob.NewRecord(job, out)

	persistErr := e.persist(ctx, &rec)
	if persistErr != nil {
		logger.Error("history append failed", lg.Err(persistErr))
		e.Sink.Emit(testjob.Event{
			Kind: testjob.EventPersistFailed, TestID: job.TestID,
			FileName: job.FileName, At: time.Now(),
			Status: out.Status, Details: persistErr.Error(),
		})
	}

	logger.Info("job finished",
		lg.String("status", out.Status.String()),
		lg.String("connection", out.ConnStatus.String()),
	)
	e.Sink.Emit(testjob.Event{
		Kind: testjob.EventJobFinished, TestID: job.TestID,
		FileName: job.FileName, At: time.Now(),
		Status: out.Status, Details: out.Details,
	})
	return rec, persistErr
}

// run produces the job's outcome. Everything that can go wrong folds
// into the outcome; nothing escapes as an error.
func (e *Engine) run(ctx context.Context, job testjob.TestJob, logger lg.Logger) testjob.Outcome {
	if err := e.tr.Upload(ctx, job.LocalPath, job.RemotePath); err != nil {
		logger.Warn("upload failed", lg.Err(err))
		return testjob.Outcome{
			Status:     testjob.StatusConnectionError,
			Details:    err.Error(),
			ConnStatus: testjob.ConnUploadFailed,
		}
	}

	// A cancellation during the settle window flows into Wait, which
	// turns it into a definite timeout outcome.
	select {
	case <-time.After(e.cfg.SettleDelay):
	case <-ctx.Done():
	}

	res := e.wait(ctx, job, logger)
	out := classify.Classify(res)

	if res.Kind == poll.Ready && e.Archive != nil {
		if path, err := e.Archive.Save(job, res.Payload); err != nil {
			logger.Warn("archiving result payload failed", lg.Err(err))
		} else {
			logger.Debug("result payload archived", lg.String("path", path))
		}
	}
	return out
}

func (e *Engine) wait(ctx context.Context, job testjob.TestJob, logger lg.Logger) poll.Result {
	cfg := e.cfg.Poll
	if job.NetworkAffecting {
		cfg = cfg.WidenTo(e.cfg.NetworkGrace)
		logger.Warn("definition may disrupt device networking, widening poll budget",
			lg.Int("max_attempts", cfg.MaxAttempts),
			lg.Duration("grace", e.cfg.NetworkGrace),
		)
	}

	notify := func(attempt int, observed poll.Observation) {
		e.Sink.Emit(testjob.Event{
			Kind: testjob.EventPollAttempt, TestID: job.TestID,
			FileName: job.FileName, At: time.Now(),
			Attempt: attempt, Observed: string(observed),
		})
	}
	return poll.New(cfg, e.logger).Wait(ctx, e.tr, job.ResultPath, notify)
}

// persist appends the record even when the job's own context is
// already cancelled: a cancelled job still gets its row.
func (e *Engine) persist(ctx context.Context, rec *testjob.HistoryRecord) error {
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.store.Append(appendCtx, rec); err != nil {
		return fmt.Errorf("appending history record for %s: %w", rec.FileName, err)
	}
	return nil
}
