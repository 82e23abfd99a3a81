// Package archive keeps a local copy of every downloaded result
// payload so an outcome can be re-examined after the remote file is
// gone.
package archive

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/juno-kyojin/testcase-app/internal/testjob"
)

// Writer persists one payload under a filename. The default
// implementation writes plain files; tests substitute their own.
type Writer interface {
	Write(filename string, data []byte) error
}

// FileWriter writes payloads to disk, creating parent directories as
// needed.
type FileWriter struct {
	Overwrite bool
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); !os.IsNotExist(err) && !w.Overwrite {
		return os.ErrExist
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

// Archive stores result payloads under a directory, one file per job.
type Archive struct {
	dir    string
	writer Writer
}

func New(dir string) *Archive {
	return NewWithWriter(dir, FileWriter{Overwrite: true})
}

func NewWithWriter(dir string, w Writer) *Archive {
	return &Archive{dir: dir, writer: w}
}

// Save writes payload under a name derived from the job's ID and its
// result file name, so repeated runs of the same definition never
// collide, and returns the path written. The job's ID also ties the
// file back to its history record.
func (a *Archive) Save(job testjob.TestJob, payload []byte) (string, error) {
	name := fmt.Sprintf("%s_%s", job.TestID, testjob.ResultFileName(job.FileName))
	path := filepath.Join(a.dir, name)
	if err := a.writer.Write(path, payload); err != nil {
		return "", fmt.Errorf("archiving %s: %w", job.FileName, err)
	}
	return path, nil
}
