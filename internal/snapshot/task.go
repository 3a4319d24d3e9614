// Package snapshot saves single frames from a running multiplexer to disk.
package snapshot

import (
	"fmt"
	"path/filepath"
)

// Task is one frame to fetch. Batch groups the frames of one run.
type Task struct {
	Stream string
	Batch  string
}

func (t Task) OutputPath(baseDir string) string {
	return filepath.Join(baseDir, t.Batch, t.Stream+".jpg")
}

func (t Task) String() string {
	return fmt.Sprintf("%s/%s", t.Batch, t.Stream)
}

type TaskResult struct {
	Task      Task
	Success   bool
	Skipped   bool
	NotFound  bool
	BytesSize int64
	Error     error
}
