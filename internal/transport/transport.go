// Package transport moves files between the operator machine and the
// device over an authenticated channel. Consumers depend on the Client
// interface; the shipped implementation speaks SSH/SFTP.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConnected is returned when an operation is attempted on a
// closed or never-established client.
var ErrNotConnected = errors.New("transport: not connected")

// OpError records a failed transport operation and the path it touched.
type OpError struct {
	Op   string // "upload", "stat", "download", "verify"
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Client is the capability surface the engine needs from a transport.
// Implementations serialize their operations internally; callers may
// share one client across components but not across simultaneous jobs.
type Client interface {
	// Upload copies a local file to remotePath on the device.
	Upload(ctx context.Context, localPath, remotePath string) error

	// Exists reports whether remotePath exists. A missing file is
	// (false, nil); only channel trouble is an error.
	Exists(ctx context.Context, remotePath string) (bool, error)

	// Size returns the byte size of remotePath.
	Size(ctx context.Context, remotePath string) (int64, error)

	// Download retrieves the full contents of remotePath.
	Download(ctx context.Context, remotePath string) ([]byte, error)

	// VerifyDirs checks that every given remote directory exists.
	VerifyDirs(ctx context.Context, dirs ...string) error

	Close() error
}
