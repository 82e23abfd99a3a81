// Package queue feeds an ordered batch of test jobs through the
// delivery engine, strictly one at a time. The device processes a
// single definition at a time, so job i+1 never starts before job i's
// record is out.
package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/juno-kyojin/testcase-app/internal/testjob"
	"github.com/juno-kyojin/testcase-app/pkg/lg"
)

// Deliverer runs one job to a definite record. *delivery.Engine is the
// real implementation.
type Deliverer interface {
	Deliver(ctx context.Context, job testjob.TestJob) (testjob.HistoryRecord, error)
}

// Result pairs a job's record with whatever went wrong persisting it.
// PersistErr never changes the record's status.
type Result struct {
	Record     testjob.HistoryRecord
	PersistErr error
}

// Runner drains one batch of jobs. Build a fresh Runner per batch; a
// reused one refuses to run.
type Runner struct {
	eng    Deliverer
	logger lg.Logger

	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

func NewRunner(eng Deliverer, logger lg.Logger) *Runner {
	if logger == nil {
		logger = lg.Discard
	}
	return &Runner{eng: eng, logger: logger, stop: make(chan struct{})}
}

// Run starts the batch and returns the channel results arrive on, in
// job order. The channel closes once the batch ends, whether by
// completion, Stop, or ctx cancellation. Jobs that end badly do not
// stop the batch; every job gets its turn unless a stop arrives first.
func (r *Runner) Run(ctx context.Context, jobs []testjob.TestJob) <-chan Result {
	out := make(chan Result)
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Error("runner already used, refusing batch", lg.Int("jobs", len(jobs)))
		close(out)
		return out
	}
	select {
	case <-r.stop:
		// Stopped before the batch began.
		close(out)
		return out
	default:
	}

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	go func() {
		defer close(out)
		defer cancel()
		for i, job := range jobs {
			if runCtx.Err() != nil {
				r.logger.Info("stopping before next job",
					lg.Int("completed", i),
					lg.Int("skipped", len(jobs)-i),
				)
				return
			}
			r.logger.Info("starting job",
				lg.Int("position", i+1),
				lg.Int("of", len(jobs)),
				lg.String("file", job.FileName),
			)
			rec, err := r.eng.Deliver(runCtx, job)
			r.logOutcome(rec, err)
			out <- Result{Record: rec, PersistErr: err}
		}
	}()
	return out
}

// Stop asks the runner to finish the in-flight job and start no more.
// The in-flight job's wait is cancelled, and it still lands a definite
// record. Safe to call repeatedly and from any goroutine.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Runner) logOutcome(rec testjob.HistoryRecord, persistErr error) {
	fields := []lg.Field{
		lg.String("test_id", rec.TestID.String()),
		lg.String("file", rec.FileName),
		lg.String("status", rec.Status.String()),
	}
	if rec.Status == testjob.StatusSuccess {
		r.logger.Info("job succeeded", fields...)
	} else {
		r.logger.Warn("job did not succeed", append(fields, lg.String("details", rec.Details))...)
	}
	if persistErr != nil {
		r.logger.Warn("record not persisted", append(fields, lg.Err(persistErr))...)
	}
}
