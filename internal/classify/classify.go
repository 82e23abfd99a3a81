// Package classify turns a poll terminal signal into a definite job
// outcome. Classification is pure: no I/O, no clock, same input same
// outcome.
package classify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/juno-kyojin/testcase-app/internal/poll"
	"github.com/juno-kyojin/testcase-app/internal/testjob"
)

// Classify maps the end of a wait cycle onto the closed status set.
// A downloaded payload only counts as success if it is a JSON object;
// a complete-but-garbled file is a failure, never a success.
func Classify(res poll.Result) testjob.Outcome {
	switch res.Kind {
	case poll.Ready:
		return classifyPayload(res)
	case poll.ConnError:
		details := "transport failed while waiting for result"
		if res.Err != nil {
			details = res.Err.Error()
		}
		return testjob.Outcome{
			Status:     testjob.StatusConnectionError,
			Details:    details,
			ConnStatus: res.ConnStatus,
		}
	default: // poll.Timeout
		details := fmt.Sprintf("%d attempts exhausted (%s elapsed)", res.Attempts, res.Elapsed.Round(timeUnit))
		if res.Cancelled {
			details = fmt.Sprintf("wait cancelled after %d attempts (%s elapsed)", res.Attempts, res.Elapsed.Round(timeUnit))
		}
		return testjob.Outcome{
			Status:     testjob.StatusTimeout,
			Details:    details,
			ConnStatus: res.ConnStatus,
		}
	}
}

// timeUnit keeps elapsed figures in details readable.
const timeUnit = 100 * time.Millisecond

func classifyPayload(res poll.Result) testjob.Outcome {
	var doc map[string]any
	if err := json.Unmarshal(res.Payload, &doc); err != nil {
		return testjob.Outcome{
			Status:     testjob.StatusFailure,
			Details:    fmt.Sprintf("result file is not a JSON object: %v", err),
			ConnStatus: res.ConnStatus,
		}
	}
	return testjob.Outcome{
		Status:     testjob.StatusSuccess,
		Result:     Summarize(doc, res.Payload),
		ConnStatus: res.ConnStatus,
	}
}

// Summarize normalizes a parsed result document. The device reports
// counts under "summary"; a document without one is still a delivered
// result, just an unknown one.
func Summarize(doc map[string]any, raw []byte) *testjob.ResultSummary {
	sum := &testjob.ResultSummary{Overall: "Unknown", Raw: compact(raw)}

	summary, ok := doc["summary"].(map[string]any)
	if !ok {
		return sum
	}

	sum.Total = intField(summary, "total_test_cases")
	sum.Passed = intField(summary, "passed")
	sum.Failed = intField(summary, "failed")
	sum.DurationMS = int64(intField(summary, "total_duration_ms"))

	switch {
	case sum.Total == sum.Passed:
		sum.Overall = "Pass"
	case sum.Passed == 0:
		sum.Overall = "Fail"
	default:
		sum.Overall = fmt.Sprintf("Partial (%d/%d)", sum.Passed, sum.Total)
	}
	return sum
}

func intField(m map[string]any, key string) int {
	if f, ok := m[key].(float64); ok {
		return int(f)
	}
	return 0
}

func compact(raw []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return json.RawMessage(raw)
	}
	return json.RawMessage(buf.Bytes())
}
