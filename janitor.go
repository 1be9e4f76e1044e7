package dbqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Janitor periodically deletes expired records from a History.
type Janitor struct {
	history History
	config  *Config
	logger  *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewJanitor creates a janitor for history. config supplies HistoryTTL and
// CleanupInterval; nil means LoadConfig().
func NewJanitor(history History, config *Config, logger *slog.Logger) *Janitor {
	if config == nil {
		config = LoadConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		history: history,
		config:  config,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start marks records left running by a previous process as failed, then
// starts the cleanup loop in the background. It returns immediately.
func (j *Janitor) Start(ctx context.Context) error {
	if j.config.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be greater than 0")
	}
	if err := j.history.ResetRunningJobs(ctx); err != nil {
		return fmt.Errorf("failed to reset running jobs: %w", err)
	}

	go j.cleanupLoop(ctx)
	return nil
}

// Stop stops the cleanup loop and waits for it to exit. Stop must only be
// called after a successful Start.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	<-j.doneCh
}

// cleanupLoop periodically cleans up expired records
func (j *Janitor) cleanupLoop(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.CleanupInterval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	j.cleanup(ctx)

	for {
		select {
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.cleanup(ctx)
		}
	}
}

func (j *Janitor) cleanup(ctx context.Context) {
	if err := j.history.CleanupExpiredJobs(ctx, j.config.HistoryTTL); err != nil {
		j.logger.Warn("Janitor: failed to cleanup expired jobs", "error", err)
		return
	}
	j.logger.Debug("Janitor: cleanup done", "ttl", j.config.HistoryTTL)
}
