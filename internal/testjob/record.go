package testjob

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResultSummary is the normalized view of a device result document.
// Raw keeps the compacted original so nothing is lost in normalization.
type ResultSummary struct {
	Overall    string          `json:"overall"`
	Total      int             `json:"total"`
	Passed     int             `json:"passed"`
	Failed     int             `json:"failed"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Outcome is what the classifier decides about one finished job.
type Outcome struct {
	Status     Status
	Result     *ResultSummary
	Details    string
	ConnStatus ConnStatus
}

// HistoryRecord is the append-only audit row written once per job that
// began an upload. ID and Timestamp are assigned by the store.
type HistoryRecord struct {
	ID         string
	Timestamp  time.Time
	TestID     uuid.UUID
	FileName   string
	Status     Status
	Result     *ResultSummary
	Details    string
	ConnStatus ConnStatus
}

// NewRecord binds an outcome to the job it belongs to. The store fills
// in ID and Timestamp on append.
func NewRecord(job TestJob, out Outcome) HistoryRecord {
	return HistoryRecord{
		TestID:     job.TestID,
		FileName:   job.FileName,
		Status:     out.Status,
		Result:     out.Result,
		Details:    out.Details,
		ConnStatus: out.ConnStatus,
	}
}

func (r HistoryRecord) String() string {
	return fmt.Sprintf("%s %s status=%s", r.TestID, r.FileName, r.Status)
}
