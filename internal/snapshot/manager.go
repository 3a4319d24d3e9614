package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/kinect-multiplexer/internal/client"
)

// Manager fetches a batch of frames with a bounded worker pool.
type Manager struct {
	fetcher Fetcher
	stager  *Stager
	workers int
	logger  *zap.Logger
}

type BatchResult struct {
	Total    int
	Success  int
	Skipped  int
	NotFound int
	Failed   int
	Errors   []string
}

func NewManager(fetcher Fetcher, stager *Stager, workers int, logger *zap.Logger) *Manager {
	if workers < 1 {
		workers = 1
	}
	return &Manager{
		fetcher: fetcher,
		stager:  stager,
		workers: workers,
		logger:  logger,
	}
}

// Run fetches every task into staging, then commits and cleans up each
// batch. Frames of a batch only reach the final directory together.
func (m *Manager) Run(ctx context.Context, tasks []Task) (*BatchResult, error) {
	batches := make(map[string]bool)
	for _, task := range tasks {
		if !batches[task.Batch] {
			batches[task.Batch] = true
			if err := m.stager.PrepareStaging(task.Batch); err != nil {
				return nil, fmt.Errorf("preparing staging: %w", err)
			}
		}
	}

	result, err := m.Execute(ctx, tasks)
	if err != nil {
		return nil, err
	}

	for batch := range batches {
		if err := m.stager.CommitStaging(batch); err != nil {
			return result, fmt.Errorf("committing %s: %w", batch, err)
		}
		if err := m.stager.CleanupStaging(batch); err != nil {
			m.logger.Warn("failed to clean staging", zap.String("batch", batch), zap.Error(err))
		}
	}
	return result, nil
}

// Execute fetches tasks into staging without committing them.
func (m *Manager) Execute(ctx context.Context, tasks []Task) (*BatchResult, error) {
	result := &BatchResult{Total: len(tasks)}

	if len(tasks) == 0 {
		return result, nil
	}

	jobs := make(chan Task, len(tasks))
	results := make(chan TaskResult, len(tasks))

	// Start workers
	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.worker(ctx, jobs, results)
		}()
	}

	// Send jobs
	go func() {
		defer close(jobs)
		for _, task := range tasks {
			select {
			case <-ctx.Done():
				return
			case jobs <- task:
			}
		}
	}()

	// Wait for workers and close results
	go func() {
		wg.Wait()
		close(results)
	}()

	// Collect results
	for r := range results {
		if r.Skipped {
			result.Skipped++
		} else if r.NotFound {
			result.NotFound++
		} else if r.Success {
			result.Success++
		} else {
			result.Failed++
			if r.Error != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", r.Task, r.Error))
			}
		}
	}

	return result, nil
}

func (m *Manager) worker(ctx context.Context, jobs <-chan Task, results chan<- TaskResult) {
	for task := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result := m.processTask(ctx, task)

		select {
		case <-ctx.Done():
			return
		case results <- result:
		}
	}
}

func (m *Manager) processTask(ctx context.Context, task Task) TaskResult {
	result := TaskResult{Task: task}

	// Check if file exists (resume)
	if _, err := os.Stat(task.OutputPath(m.stager.FinalDir())); err == nil {
		m.logger.Debug("skipping existing frame", zap.String("task", task.String()))
		result.Skipped = true
		result.Success = true
		return result
	}

	m.logger.Info("fetching", zap.String("task", task.String()))

	stagingPath := task.OutputPath(m.stager.StagingRoot())
	size, err := m.stager.FetchToStaging(ctx, m.fetcher, task.Stream, stagingPath)
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			m.logger.Debug("not found", zap.String("task", task.String()))
			result.NotFound = true
			return result
		}
		result.Error = err
		return result
	}

	result.Success = true
	result.BytesSize = size
	m.logger.Info("saved", zap.String("task", task.String()), zap.Int64("bytes", size))

	return result
}
