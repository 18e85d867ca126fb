package artifacts

import (
	"context"
	"log/slog"
	"time"
)

// CleanupService periodically prunes Tool Output Artifacts older than
// retention from the backing blob store.
type CleanupService struct {
	pruner    Pruner
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	stopCh    chan struct{}
}

// NewCleanupService creates a cleanup service. retention bounds how long a
// Tool Output Artifact blob is kept; interval is the scan cadence.
func NewCleanupService(pruner Pruner, interval, retention time.Duration, logger *slog.Logger) *CleanupService {
	if interval == 0 {
		interval = time.Hour
	}
	if retention == 0 {
		retention = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupService{
		pruner:    pruner,
		interval:  interval,
		retention: retention,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the cleanup loop.
func (s *CleanupService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("artifact cleanup service started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("artifact cleanup service stopping (context)")
			return
		case <-s.stopCh:
			s.logger.Info("artifact cleanup service stopping (signal)")
			return
		case <-ticker.C:
			count, err := s.pruner.PruneOlderThan(ctx, time.Now().Add(-s.retention))
			if err != nil {
				s.logger.Error("artifact cleanup failed", "error", err)
			} else if count > 0 {
				s.logger.Info("artifact cleanup completed", "pruned", count)
			}
		}
	}
}

// Stop signals the cleanup service to stop.
func (s *CleanupService) Stop() {
	close(s.stopCh)
}
