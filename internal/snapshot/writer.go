package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Fetcher copies one frame of a stream to dest.
type Fetcher interface {
	Snapshot(ctx context.Context, streamID string, dest io.Writer) (int64, error)
}

// Stager writes frames under a hidden staging directory and moves a batch
// into place only once it is complete.
type Stager struct {
	baseDir     string
	stagingRoot string
}

func NewStager(baseDir string) *Stager {
	return &Stager{
		baseDir:     baseDir,
		stagingRoot: filepath.Join(baseDir, ".staging"),
	}
}

func (s *Stager) FinalDir() string {
	return s.baseDir
}

func (s *Stager) StagingRoot() string {
	return s.stagingRoot
}

func (s *Stager) StagingDir(batch string) string {
	return filepath.Join(s.stagingRoot, batch)
}

func (s *Stager) PrepareStaging(batch string) error {
	return os.MkdirAll(s.StagingDir(batch), 0750)
}

// FetchToStaging writes the frame to destPath via a temp file, so a
// partial frame never appears under its final name.
func (s *Stager) FetchToStaging(ctx context.Context, fetcher Fetcher, streamID, destPath string) (int64, error) {
	// Create parent directories
	if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
		return 0, fmt.Errorf("creating directories: %w", err)
	}

	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	size, err := fetcher.Snapshot(ctx, streamID, f)
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("fetching frame: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("renaming temp file: %w", err)
	}

	return size, nil
}

// CommitStaging moves every staged frame of batch into the final directory.
func (s *Stager) CommitStaging(batch string) error {
	stagingDir := s.StagingDir(batch)
	finalDir := filepath.Join(s.baseDir, batch)

	return filepath.Walk(stagingDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return err
		}

		destPath := filepath.Join(finalDir, relPath)
		if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
			return err
		}

		return os.Rename(path, destPath)
	})
}

func (s *Stager) CleanupStaging(batch string) error {
	return os.RemoveAll(s.StagingDir(batch))
}
