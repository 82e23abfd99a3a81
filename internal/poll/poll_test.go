package poll

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/juno-kyojin/testcase-app/internal/testjob"
)

// fakeTransport scripts transport behavior per test. Methods the
// scheduler never calls are hard failures.
type fakeTransport struct {
	exists   func(path string) (bool, error)
	size     func(path string) (int64, error)
	download func(path string) ([]byte, error)

	downloadCalls int
}

func (f *fakeTransport) Upload(context.Context, string, string) error {
	return errors.New("unexpected Upload")
}

func (f *fakeTransport) Exists(_ context.Context, path string) (bool, error) {
	if f.exists == nil {
		return false, nil
	}
	return f.exists(path)
}

func (f *fakeTransport) Size(_ context.Context, path string) (int64, error) {
	if f.size == nil {
		return 0, errors.New("unexpected Size")
	}
	return f.size(path)
}

func (f *fakeTransport) Download(_ context.Context, path string) ([]byte, error) {
	f.downloadCalls++
	if f.download == nil {
		return nil, errors.New("unexpected Download")
	}
	return f.download(path)
}

func (f *fakeTransport) VerifyDirs(context.Context, ...string) error { return nil }
func (f *fakeTransport) Close() error                                { return nil }

// steadyFile makes a fake where the result file is present, stable, and
// downloadable from the first attempt.
func steadyFile(payload []byte) *fakeTransport {
	return &fakeTransport{
		exists: func(path string) (bool, error) {
			return !strings.HasSuffix(path, PartSuffix), nil
		},
		size:     func(string) (int64, error) { return int64(len(payload)), nil },
		download: func(string) ([]byte, error) { return payload, nil },
	}
}

func fastConfig() Config {
	return Config{
		Interval:       time.Millisecond,
		MaxAttempts:    5,
		StabilityDelay: time.Millisecond,
	}
}

const resultPath = "/root/result/wan_check_result.json"

func TestWaitReadyFirstAttempt(t *testing.T) {
	payload := []byte(`{"summary":{"total_test_cases":1,"passed":1}}`)
	ft := steadyFile(payload)

	var seen []Observation
	res := New(fastConfig(), nil).Wait(context.Background(), ft, resultPath,
		func(_ int, obs Observation) { seen = append(seen, obs) })

	if res.Kind != Ready {
		t.Fatalf("Kind = %v, want Ready (err=%v)", res.Kind, res.Err)
	}
	if string(res.Payload) != string(payload) {
		t.Errorf("Payload = %q, want %q", res.Payload, payload)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if res.ConnStatus != testjob.ConnConnected {
		t.Errorf("ConnStatus = %q, want connected", res.ConnStatus)
	}
	if len(seen) != 1 || seen[0] != ObservedReady {
		t.Errorf("observations = %v, want [ready]", seen)
	}
}

func TestWaitFileAppearsLater(t *testing.T) {
	payload := []byte(`{"summary":{"total_test_cases":2,"passed":2}}`)
	polls := 0
	ft := steadyFile(payload)
	ft.exists = func(path string) (bool, error) {
		if strings.HasSuffix(path, PartSuffix) {
			return false, nil
		}
		polls++
		return polls >= 3, nil
	}

	var seen []Observation
	res := New(fastConfig(), nil).Wait(context.Background(), ft, resultPath,
		func(_ int, obs Observation) { seen = append(seen, obs) })

	if res.Kind != Ready {
		t.Fatalf("Kind = %v, want Ready", res.Kind)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
	want := []Observation{ObservedAbsent, ObservedAbsent, ObservedReady}
	if len(seen) != len(want) {
		t.Fatalf("observations = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("observation[%d] = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestWaitTimeoutAfterBudget(t *testing.T) {
	ft := &fakeTransport{
		exists: func(string) (bool, error) { return false, nil },
	}

	res := New(fastConfig(), nil).Wait(context.Background(), ft, resultPath, nil)

	if res.Kind != Timeout {
		t.Fatalf("Kind = %v, want Timeout", res.Kind)
	}
	if res.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", res.Attempts)
	}
	if res.Cancelled {
		t.Error("Cancelled = true for a budget timeout")
	}
	if res.ConnStatus != testjob.ConnConnected {
		t.Errorf("ConnStatus = %q, want connected", res.ConnStatus)
	}
}

func TestWaitPartMarkerDefersReady(t *testing.T) {
	payload := []byte(`{"summary":{"total_test_cases":1,"passed":0,"failed":1}}`)
	attempt := 0
	ft := steadyFile(payload)
	ft.exists = func(path string) (bool, error) {
		if strings.HasSuffix(path, PartSuffix) {
			attempt++
			return attempt == 1, nil // marker present on the first attempt only
		}
		return true, nil
	}

	var seen []Observation
	res := New(fastConfig(), nil).Wait(context.Background(), ft, resultPath,
		func(_ int, obs Observation) { seen = append(seen, obs) })

	if res.Kind != Ready {
		t.Fatalf("Kind = %v, want Ready", res.Kind)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	if len(seen) != 2 || seen[0] != ObservedIncomplete || seen[1] != ObservedReady {
		t.Errorf("observations = %v, want [incomplete ready]", seen)
	}
}

func TestWaitGrowingFileIsNotReady(t *testing.T) {
	payload := []byte(`{"summary":{"total_test_cases":3,"passed":1,"failed":2}}`)
	sizes := []int64{24, 48, 96, 96, 96} // grows, then settles
	call := 0
	ft := steadyFile(payload)
	ft.size = func(string) (int64, error) {
		s := sizes[call]
		if call < len(sizes)-1 {
			call++
		}
		return s, nil
	}

	res := New(fastConfig(), nil).Wait(context.Background(), ft, resultPath, nil)

	if res.Kind != Ready {
		t.Fatalf("Kind = %v, want Ready", res.Kind)
	}
	// Attempt 1 sees 24 then 48 (unstable), attempt 2 sees 96/96.
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
}

func TestWaitShortFileIsIncomplete(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	ft := steadyFile([]byte("{}"))
	ft.size = func(string) (int64, error) { return 2, nil } // below min size

	res := New(cfg, nil).Wait(context.Background(), ft, resultPath, nil)

	if res.Kind != Timeout {
		t.Fatalf("Kind = %v, want Timeout (short file must never classify)", res.Kind)
	}
	if ft.downloadCalls != 0 {
		t.Errorf("downloadCalls = %d, want 0", ft.downloadCalls)
	}
}

func TestWaitCancelledReturnsDefiniteResult(t *testing.T) {
	cfg := Config{Interval: 50 * time.Millisecond, MaxAttempts: 100, StabilityDelay: time.Millisecond}
	ft := &fakeTransport{
		exists: func(string) (bool, error) { return false, nil },
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res := New(cfg, nil).Wait(ctx, ft, resultPath, nil)

	if res.Kind != Timeout {
		t.Fatalf("Kind = %v, want Timeout", res.Kind)
	}
	if !res.Cancelled {
		t.Error("Cancelled = false, want true")
	}
	if res.Attempts < 1 {
		t.Errorf("Attempts = %d, want at least 1", res.Attempts)
	}
}

func TestWaitDownloadFailureEscalates(t *testing.T) {
	ft := steadyFile(nil)
	ft.size = func(string) (int64, error) { return 64, nil }
	ft.download = func(string) ([]byte, error) { return nil, errors.New("channel reset") }

	res := New(fastConfig(), nil).Wait(context.Background(), ft, resultPath, nil)

	if res.Kind != ConnError {
		t.Fatalf("Kind = %v, want ConnError", res.Kind)
	}
	if res.ConnStatus != testjob.ConnDownloadFailed {
		t.Errorf("ConnStatus = %q, want download_failed", res.ConnStatus)
	}
	if res.Err == nil {
		t.Error("Err = nil, want transport diagnostic")
	}
	// One attempt plus the configured retries.
	if want := 1 + defaultDownloadRetries; ft.downloadCalls != want {
		t.Errorf("downloadCalls = %d, want %d", ft.downloadCalls, want)
	}
}

func TestWaitTransientDownloadFailureRecovers(t *testing.T) {
	payload := []byte(`{"summary":{"total_test_cases":1,"passed":1}}`)
	ft := steadyFile(payload)
	failures := 1
	ft.download = func(string) ([]byte, error) {
		if failures > 0 {
			failures--
			return nil, errors.New("flaky read")
		}
		return payload, nil
	}

	res := New(fastConfig(), nil).Wait(context.Background(), ft, resultPath, nil)

	if res.Kind != Ready {
		t.Fatalf("Kind = %v, want Ready", res.Kind)
	}
	if ft.downloadCalls != 2 {
		t.Errorf("downloadCalls = %d, want 2", ft.downloadCalls)
	}
}

func TestWaitStatErrorsEscalateAfterBudget(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 10
	ft := &fakeTransport{
		exists: func(string) (bool, error) { return false, errors.New("broken pipe") },
	}

	res := New(cfg, nil).Wait(context.Background(), ft, resultPath, nil)

	if res.Kind != ConnError {
		t.Fatalf("Kind = %v, want ConnError", res.Kind)
	}
	if res.ConnStatus != testjob.ConnPollFailed {
		t.Errorf("ConnStatus = %q, want poll_failed", res.ConnStatus)
	}
	// Budget is DownloadRetries tolerated errors, escalation on the next.
	if want := defaultDownloadRetries + 1; res.Attempts != want {
		t.Errorf("Attempts = %d, want %d", res.Attempts, want)
	}
}

func TestWaitTransientStatErrorRecovers(t *testing.T) {
	payload := []byte(`{"summary":{"total_test_cases":1,"passed":1}}`)
	ft := steadyFile(payload)
	errOnce := true
	inner := ft.exists
	ft.exists = func(path string) (bool, error) {
		if errOnce {
			errOnce = false
			return false, errors.New("brief hiccup")
		}
		return inner(path)
	}

	res := New(fastConfig(), nil).Wait(context.Background(), ft, resultPath, nil)

	if res.Kind != Ready {
		t.Fatalf("Kind = %v, want Ready", res.Kind)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
}

func TestWaitVanishedFileCountsAsAbsent(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	ft := steadyFile(nil)
	ft.size = func(string) (int64, error) { return 0, fs.ErrNotExist }

	res := New(cfg, nil).Wait(context.Background(), ft, resultPath, nil)

	if res.Kind != Timeout {
		t.Fatalf("Kind = %v, want Timeout, got err=%v", res.Kind, res.Err)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
}

func TestWidenToRaisesAttemptBudget(t *testing.T) {
	cfg := Config{Interval: 3 * time.Second, MaxAttempts: 40}

	// Twice the 120s budget beats a 60s floor.
	wide := cfg.WidenTo(60 * time.Second)
	if wide.MaxAttempts != 80 {
		t.Errorf("MaxAttempts = %d, want 80", wide.MaxAttempts)
	}

	// A 300s floor beats twice a 30s budget.
	cfg.MaxAttempts = 10
	wide = cfg.WidenTo(300 * time.Second)
	if wide.MaxAttempts != 100 {
		t.Errorf("MaxAttempts = %d, want 100", wide.MaxAttempts)
	}

	// Widening never narrows the original.
	if cfg.MaxAttempts != 10 {
		t.Errorf("receiver mutated: MaxAttempts = %d", cfg.MaxAttempts)
	}
}

func TestWidenToRoundsPartialIntervalsUp(t *testing.T) {
	cfg := Config{Interval: 7 * time.Second, MaxAttempts: 2}
	wide := cfg.WidenTo(30 * time.Second)
	// 30s / 7s = 4.29 attempts, so 5.
	if wide.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", wide.MaxAttempts)
	}
}
