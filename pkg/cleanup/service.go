// Package cleanup provides data retention for the history tables.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/streamforge/partnerd/pkg/store"
)

// RetentionConfig carries the retention policy knobs.
type RetentionConfig struct {
	// EventTTL bounds how long raw platform events are kept.
	EventTTL time.Duration
	// SampleRetention bounds how long per-poll viewer samples of closed
	// sessions are kept. Session aggregates are never deleted.
	SampleRetention time.Duration
	// Interval is how often the retention pass runs.
	Interval time.Duration
}

// Service periodically enforces retention policies:
//   - Removes platform events past their TTL
//   - Drops raw viewer samples of long-closed sessions
//
// All operations are idempotent.
type Service struct {
	config RetentionConfig
	events *store.EventRepo
	live   *store.LiveRepo
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention service.
func NewService(cfg RetentionConfig, events *store.EventRepo, live *store.LiveRepo) *Service {
	return &Service{
		config: cfg,
		events: events,
		live:   live,
		logger: slog.Default().With("component", "cleanup"),
	}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"event_ttl", s.config.EventTTL,
		"sample_retention", s.config.SampleRetention,
		"interval", s.config.Interval)
}

// Stop signals the retention loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunPass(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunPass(ctx)
		}
	}
}

// RunPass executes one retention sweep. Exported for tests and for the
// admin-triggered manual sweep.
func (s *Service) RunPass(ctx context.Context) {
	s.pruneEvents(ctx)
	s.pruneSamples(ctx)
}

func (s *Service) pruneEvents(ctx context.Context) {
	count, err := s.events.DeleteOlderThan(ctx, time.Now().Add(-s.config.EventTTL))
	if err != nil {
		s.logger.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: deleted old platform events", "count", count)
	}
}

func (s *Service) pruneSamples(ctx context.Context) {
	count, err := s.live.PruneSamples(ctx, time.Now().Add(-s.config.SampleRetention))
	if err != nil {
		s.logger.Error("Retention: sample cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: pruned session samples", "count", count)
	}
}
