package testjob

import (
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TestJob is one unit of work for the queue: a local definition file and
// the remote paths derived from it. Jobs are not modified once queued.
type TestJob struct {
	TestID     uuid.UUID `json:"test_id"`
	FileName   string    `json:"file_name"`
	LocalPath  string    `json:"local_path"`
	RemotePath string    `json:"remote_path"`
	ResultPath string    `json:"result_path"`
	CreatedAt  time.Time `json:"created_at"`

	// NetworkAffecting marks definitions whose cases may take down the
	// device's WAN or LAN interfaces. The engine widens the poll budget
	// for these so a mid-test connectivity gap is not mistaken for a
	// dead job.
	NetworkAffecting bool `json:"network_affecting,omitempty"`
}

// NewJob builds a TestJob for a local definition file. Remote paths are
// POSIX: the device runs Linux regardless of where this code runs.
func NewJob(localPath, remoteConfigDir, remoteResultDir string) TestJob {
	fileName := filepath.Base(localPath)
	return TestJob{
		TestID:     uuid.New(),
		FileName:   fileName,
		LocalPath:  localPath,
		RemotePath: path.Join(remoteConfigDir, fileName),
		ResultPath: path.Join(remoteResultDir, ResultFileName(fileName)),
		CreatedAt:  time.Now(),
	}
}

// ResultFileName returns the name the device gives the result document
// for an uploaded definition file: "<base>_result.json".
func ResultFileName(fileName string) string {
	base := strings.TrimSuffix(fileName, path.Ext(fileName))
	return base + "_result.json"
}
