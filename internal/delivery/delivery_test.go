package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juno-kyojin/testcase-app/internal/poll"
	"github.com/juno-kyojin/testcase-app/internal/testjob"
)

// fakeTransport scripts the remote side of a delivery. The zero value
// is a device where every upload works and no result ever appears.
type fakeTransport struct {
	uploadErr error
	uploads   int

	// existsAfter is the poll attempt (1-based, counted per stat of the
	// final path) on which the result file starts existing. 0 = never.
	existsAfter int
	statCalls   int

	payload     []byte
	downloadErr error
}

func (f *fakeTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	f.uploads++
	return f.uploadErr
}

func (f *fakeTransport) Exists(ctx context.Context, remotePath string) (bool, error) {
	if strings.HasSuffix(remotePath, poll.PartSuffix) {
		return false, nil
	}
	f.statCalls++
	return f.existsAfter > 0 && f.statCalls >= f.existsAfter, nil
}

func (f *fakeTransport) Size(ctx context.Context, remotePath string) (int64, error) {
	return int64(len(f.payload)), nil
}

func (f *fakeTransport) Download(ctx context.Context, remotePath string) ([]byte, error) {
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return f.payload, nil
}

func (f *fakeTransport) VerifyDirs(ctx context.Context, dirs ...string) error { return nil }
func (f *fakeTransport) Close() error                                        { return nil }

// fakeStore appends into memory and can fail on demand.
type fakeStore struct {
	mu      sync.Mutex
	appends []testjob.HistoryRecord
	err     error
}

func (f *fakeStore) Append(ctx context.Context, rec *testjob.HistoryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	rec.ID = "1"
	rec.Timestamp = time.Now().UTC()
	f.appends = append(f.appends, *rec)
	return nil
}

func (f *fakeStore) Recent(ctx context.Context, limit int) ([]testjob.HistoryRecord, error) {
	return nil, nil
}

func (f *fakeStore) Close() error { return nil }

type fakeArchiver struct {
	saved map[string][]byte
	err   error
}

func (f *fakeArchiver) Save(job testjob.TestJob, payload []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.saved == nil {
		f.saved = make(map[string][]byte)
	}
	path := "/archive/" + job.FileName
	f.saved[path] = payload
	return path, nil
}

func fastEngine(tr *fakeTransport, store *fakeStore) *Engine {
	return New(tr, store, Config{
		Poll: poll.Config{
			Interval:       time.Millisecond,
			MaxAttempts:    5,
			StabilityDelay: time.Millisecond,
		},
		SettleDelay:  time.Millisecond,
		NetworkGrace: 50 * time.Millisecond,
	}, nil)
}

func newJob() testjob.TestJob {
	return testjob.NewJob("defs/wan_check.json", "/root/config", "/root/result")
}

func collectEvents(e *Engine) *[]testjob.Event {
	var mu sync.Mutex
	events := []testjob.Event{}
	e.Sink = func(ev testjob.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	return &events
}

func kinds(events []testjob.Event) []testjob.EventKind {
	out := make([]testjob.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestDeliverSuccess(t *testing.T) {
	tr := &fakeTransport{
		existsAfter: 1,
		payload:     []byte(`{"summary":{"total_test_cases":2,"passed":2},"pass":true}`),
	}
	store := &fakeStore{}
	eng := fastEngine(tr, store)
	events := collectEvents(eng)

	rec, err := eng.Deliver(context.Background(), newJob())
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if rec.Status != testjob.StatusSuccess {
		t.Fatalf("Status = %q, want success (details: %s)", rec.Status, rec.Details)
	}
	if rec.ConnStatus != testjob.ConnConnected {
		t.Errorf("ConnStatus = %q, want connected", rec.ConnStatus)
	}
	if rec.Result == nil || rec.Result.Overall != "Pass" {
		t.Errorf("Result = %+v, want Overall Pass", rec.Result)
	}
	if !strings.Contains(string(rec.Result.Raw), `"pass":true`) {
		t.Errorf("Raw = %s, want original document preserved", rec.Result.Raw)
	}
	if tr.uploads != 1 {
		t.Errorf("uploads = %d, want 1", tr.uploads)
	}
	if len(store.appends) != 1 {
		t.Fatalf("appends = %d, want exactly 1", len(store.appends))
	}

	got := kinds(*events)
	if got[0] != testjob.EventJobStarted || got[len(got)-1] != testjob.EventJobFinished {
		t.Errorf("event order = %v, want started first and finished last", got)
	}
	sawPoll := false
	for _, k := range got {
		if k == testjob.EventPollAttempt {
			sawPoll = true
		}
		if k == testjob.EventPersistFailed {
			t.Errorf("unexpected persist_failed event")
		}
	}
	if !sawPoll {
		t.Errorf("no poll_attempt events in %v", got)
	}
}

func TestDeliverUploadFailure(t *testing.T) {
	tr := &fakeTransport{uploadErr: errors.New("connection reset")}
	store := &fakeStore{}
	eng := fastEngine(tr, store)

	rec, err := eng.Deliver(context.Background(), newJob())
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if rec.Status != testjob.StatusConnectionError {
		t.Fatalf("Status = %q, want connection_error", rec.Status)
	}
	if rec.ConnStatus != testjob.ConnUploadFailed {
		t.Errorf("ConnStatus = %q, want upload_failed", rec.ConnStatus)
	}
	if !strings.Contains(rec.Details, "connection reset") {
		t.Errorf("Details = %q, want upload error preserved", rec.Details)
	}
	if tr.statCalls != 0 {
		t.Errorf("statCalls = %d, polling must not start after a failed upload", tr.statCalls)
	}
	if len(store.appends) != 1 {
		t.Errorf("appends = %d, want exactly 1", len(store.appends))
	}
}

func TestDeliverResultAppearsLate(t *testing.T) {
	tr := &fakeTransport{
		existsAfter: 3,
		payload:     []byte(`{"summary":{"total_test_cases":3,"passed":1}}`),
	}
	store := &fakeStore{}
	eng := fastEngine(tr, store)

	rec, err := eng.Deliver(context.Background(), newJob())
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if rec.Status != testjob.StatusSuccess {
		t.Fatalf("Status = %q, want success (details: %s)", rec.Status, rec.Details)
	}
	if rec.Result == nil || rec.Result.Overall != "Partial (1/3)" {
		t.Errorf("Result = %+v, want Partial (1/3)", rec.Result)
	}
}

func TestDeliverUnparsablePayload(t *testing.T) {
	tr := &fakeTransport{existsAfter: 1, payload: []byte("segfault: core dumped")}
	store := &fakeStore{}
	eng := fastEngine(tr, store)

	rec, err := eng.Deliver(context.Background(), newJob())
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if rec.Status != testjob.StatusFailure {
		t.Fatalf("Status = %q, want failure", rec.Status)
	}
	if rec.Result != nil {
		t.Errorf("Result = %+v, want nil for unparsable payload", rec.Result)
	}
}

func TestDeliverTimeout(t *testing.T) {
	tr := &fakeTransport{} // result never appears
	store := &fakeStore{}
	eng := fastEngine(tr, store)

	rec, err := eng.Deliver(context.Background(), newJob())
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if rec.Status != testjob.StatusTimeout {
		t.Fatalf("Status = %q, want timeout", rec.Status)
	}
	if len(store.appends) != 1 {
		t.Errorf("appends = %d, want exactly 1", len(store.appends))
	}
}

func TestDeliverCancelledStillPersists(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := &fakeTransport{}
	store := &fakeStore{}
	eng := fastEngine(tr, store)

	rec, err := eng.Deliver(ctx, newJob())
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if !rec.Status.Valid() {
		t.Fatalf("Status = %q, want a definite status", rec.Status)
	}
	if len(store.appends) != 1 {
		t.Errorf("appends = %d, cancelled jobs must still land a record", len(store.appends))
	}
}

func TestDeliverPersistFailureStillReturnsRecord(t *testing.T) {
	tr := &fakeTransport{existsAfter: 1, payload: []byte(`{"summary":{"total_test_cases":1,"passed":1}}`)}
	store := &fakeStore{err: errors.New("disk full")}
	eng := fastEngine(tr, store)
	events := collectEvents(eng)

	rec, err := eng.Deliver(context.Background(), newJob())
	if err == nil {
		t.Fatal("Deliver() error = nil, want persistence error")
	}
	if rec.Status != testjob.StatusSuccess {
		t.Errorf("Status = %q, persistence trouble must not change the outcome", rec.Status)
	}

	sawPersistFailed := false
	for _, ev := range *events {
		if ev.Kind == testjob.EventPersistFailed {
			sawPersistFailed = true
		}
	}
	if !sawPersistFailed {
		t.Error("no persist_failed event emitted")
	}
}

func TestDeliverArchivesPayload(t *testing.T) {
	payload := []byte(`{"summary":{"total_test_cases":1,"passed":1}}`)
	tr := &fakeTransport{existsAfter: 1, payload: payload}
	store := &fakeStore{}
	eng := fastEngine(tr, store)
	arch := &fakeArchiver{}
	eng.Archive = arch

	if _, err := eng.Deliver(context.Background(), newJob()); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if len(arch.saved) != 1 {
		t.Fatalf("archived files = %d, want 1", len(arch.saved))
	}
	for _, data := range arch.saved {
		if string(data) != string(payload) {
			t.Errorf("archived payload = %s, want original bytes", data)
		}
	}
}

func TestDeliverArchiveFailureDoesNotChangeOutcome(t *testing.T) {
	tr := &fakeTransport{existsAfter: 1, payload: []byte(`{"summary":{"total_test_cases":1,"passed":1}}`)}
	store := &fakeStore{}
	eng := fastEngine(tr, store)
	eng.Archive = &fakeArchiver{err: errors.New("read-only filesystem")}

	rec, err := eng.Deliver(context.Background(), newJob())
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if rec.Status != testjob.StatusSuccess {
		t.Errorf("Status = %q, archive trouble must not change the outcome", rec.Status)
	}
}

func TestDeliverNothingArchivedWithoutResult(t *testing.T) {
	tr := &fakeTransport{} // never ready
	store := &fakeStore{}
	eng := fastEngine(tr, store)
	arch := &fakeArchiver{}
	eng.Archive = arch

	if _, err := eng.Deliver(context.Background(), newJob()); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if len(arch.saved) != 0 {
		t.Errorf("archived files = %d, want none on timeout", len(arch.saved))
	}
}

func TestDeliverWidensBudgetForNetworkJobs(t *testing.T) {
	// Six stats to ready exceeds the base budget of five attempts, so
	// only the widened budget can reach it.
	tr := &fakeTransport{
		existsAfter: 6,
		payload:     []byte(`{"summary":{"total_test_cases":1,"passed":1}}`),
	}
	store := &fakeStore{}
	eng := fastEngine(tr, store)

	job := newJob()
	job.NetworkAffecting = true

	rec, err := eng.Deliver(context.Background(), job)
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if rec.Status != testjob.StatusSuccess {
		t.Fatalf("Status = %q, want success under widened budget (details: %s)", rec.Status, rec.Details)
	}
}

func TestDeliverBaseBudgetUnchangedForOrdinaryJobs(t *testing.T) {
	tr := &fakeTransport{
		existsAfter: 6,
		payload:     []byte(`{"summary":{"total_test_cases":1,"passed":1}}`),
	}
	store := &fakeStore{}
	eng := fastEngine(tr, store)

	rec, err := eng.Deliver(context.Background(), newJob())
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if rec.Status != testjob.StatusTimeout {
		t.Fatalf("Status = %q, want timeout under the base budget", rec.Status)
	}
}
