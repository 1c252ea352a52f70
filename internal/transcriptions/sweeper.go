package transcriptions

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultSweepInterval = 10 * time.Minute

// Sweeper periodically removes expired transcriptions.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *zap.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets the time between sweeps. Non-positive values keep the default.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSweepLogger sets the sweeper's logger.
func WithSweepLogger(logger *zap.Logger) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSweeper creates a sweeper over service. Defaults: interval=10m, no-op logger.
func NewSweeper(service *Service, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		service:  service,
		interval: defaultSweepInterval,
		logger:   noOpLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Debug("transcription sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("transcription sweeper stopped")
			return
		case <-ticker.C:
			s.SweepNow(ctx)
		}
	}
}

// SweepNow runs one sweep immediately and returns how many transcriptions it removed.
func (s *Sweeper) SweepNow(ctx context.Context) int {
	start := time.Now()
	removed, err := s.service.Sweep(ctx)
	if err != nil {
		s.logger.Error("transcription sweep failed", zap.Error(err))
	}
	if removed > 0 {
		s.logger.Info("expired transcriptions swept",
			zap.Int("removed", removed),
			zap.Duration("elapsed", time.Since(start)))
	}
	return removed
}
