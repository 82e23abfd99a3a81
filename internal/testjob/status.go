package testjob

import "fmt"

// Status classifies the terminal outcome of one delivered test job.
// The set is closed; anything a store or a wire peer hands back that is
// not one of these values is rejected at the boundary.
type Status string

const (
	// StatusSuccess means the device produced a parseable result document
	// for the uploaded definition. It says nothing about whether the test
	// cases inside passed; that lives in the result summary.
	StatusSuccess Status = "success"

	// StatusFailure means a result document arrived but could not be
	// interpreted (not JSON, or not a JSON object).
	StatusFailure Status = "failure"

	// StatusTimeout means the polling budget ran out before a complete
	// result file appeared. Cancelled waits also land here so that every
	// started job still reaches a definite status.
	StatusTimeout Status = "timeout"

	// StatusConnectionError means the transport failed while uploading,
	// checking for, or downloading the result file.
	StatusConnectionError Status = "connection_error"
)

// Valid reports whether s is one of the defined status values.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusTimeout, StatusConnectionError:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// ParseStatus converts a stored string back into a Status, rejecting
// anything outside the closed set.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// ConnStatus is a snapshot of the transport's health taken when a job
// finishes, recorded alongside the status for diagnosis.
type ConnStatus string

const (
	// ConnConnected means the transport completed every operation the job
	// asked of it.
	ConnConnected ConnStatus = "connected"

	// ConnUploadFailed means the definition file never reached the device.
	ConnUploadFailed ConnStatus = "upload_failed"

	// ConnPollFailed means existence or size checks kept failing while
	// waiting for the result file.
	ConnPollFailed ConnStatus = "poll_failed"

	// ConnDownloadFailed means the result file was seen but could not be
	// retrieved.
	ConnDownloadFailed ConnStatus = "download_failed"
)

func (c ConnStatus) String() string { return string(c) }
