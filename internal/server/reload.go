package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/kinect-multiplexer/internal/config"
	"github.com/dgnsrekt/kinect-multiplexer/internal/stream"
)

// ReloadManager applies edited configuration to the running streams.
// Only tuning is hot-reloadable; listeners and the stream set need a restart.
type ReloadManager struct {
	manager *stream.Manager
	logger  *zap.Logger

	// Reload state
	isReloading atomic.Bool
	reloadMu    sync.Mutex // prevents concurrent reloads

	// Current state
	generation uint64
	loadedAt   time.Time
	stateMu    sync.RWMutex
}

// NewReloadManager creates a new ReloadManager.
func NewReloadManager(manager *stream.Manager, logger *zap.Logger) *ReloadManager {
	return &ReloadManager{
		manager:  manager,
		logger:   logger,
		loadedAt: time.Now(),
	}
}

// IsReloading returns true if a reload is currently in progress.
func (rm *ReloadManager) IsReloading() bool {
	return rm.isReloading.Load()
}

// Generation counts applied reloads; the startup config is generation 0.
func (rm *ReloadManager) Generation() uint64 {
	rm.stateMu.RLock()
	defer rm.stateMu.RUnlock()
	return rm.generation
}

// LoadedAt returns when the current configuration was applied.
func (rm *ReloadManager) LoadedAt() time.Time {
	rm.stateMu.RLock()
	defer rm.stateMu.RUnlock()
	return rm.loadedAt
}

// ReloadResult contains the result of a reload.
type ReloadResult struct {
	Generation uint64
	LoadedAt   time.Time
	Streams    int
}

// Reload validates cfg and retunes every stream it names. A config that
// fails validation changes nothing. Streams the running process does not
// know are reported in the error after the rest have been applied.
func (rm *ReloadManager) Reload(cfg *config.Config) (*ReloadResult, error) {
	// Prevent concurrent reloads
	if !rm.reloadMu.TryLock() {
		return nil, fmt.Errorf("reload already in progress")
	}
	defer rm.reloadMu.Unlock()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	specs, err := cfg.Specs()
	if err != nil {
		return nil, err
	}

	rm.logger.Info("starting hot reload", zap.Int("streams", len(specs)))

	rm.isReloading.Store(true)
	retuneErr := rm.manager.Retune(specs)
	rm.isReloading.Store(false)

	rm.stateMu.Lock()
	rm.generation++
	rm.loadedAt = time.Now()
	result := &ReloadResult{Generation: rm.generation, LoadedAt: rm.loadedAt, Streams: len(specs)}
	rm.stateMu.Unlock()

	if retuneErr != nil {
		rm.logger.Warn("hot reload partially applied",
			zap.Uint64("generation", result.Generation),
			zap.Error(retuneErr),
		)
		return result, retuneErr
	}

	rm.logger.Info("hot reload complete",
		zap.Uint64("generation", result.Generation),
		zap.Time("loadedAt", result.LoadedAt),
	)
	return result, nil
}
