package upload

import (
	"context"
	"fmt"
	"time"
)

// Uploader publishes run artifacts to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// UploadBytes stores data as name under the run's remote directory and
	// returns the object key.
	UploadBytes(ctx context.Context, runDir, name string, data []byte) (string, error)

	// UploadFile stores a local file under the run's remote directory,
	// keeping its base name, and returns the object key.
	UploadFile(ctx context.Context, runDir, path string) (string, error)
}

// RunDir returns the remote directory name for a run, <unix>_<run id>.
func RunDir(runID uint, started time.Time) string {
	return fmt.Sprintf("%d_%d", started.Unix(), runID)
}
