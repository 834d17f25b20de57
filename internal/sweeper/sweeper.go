// Package sweeper runs the background expiration task: every interval it
// deletes records whose expiration has passed. This mirrors db.py's expire()
// loop and the teacher's pattern of a ticker-driven goroutine owned by the
// server's lifecycle context (see internal/shared/server.go's
// resourceGuard.StartMonitoring and collectMetrics goroutines).
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/graffiti-garden/link-service/internal/store"
)

// Metrics receives the count of records removed each sweep. Satisfied by
// *metrics.Metrics.
type Metrics interface {
	LinksExpired(n int64)
}

// Sweeper periodically deletes expired records from a Store.
type Sweeper struct {
	st       store.Store
	interval time.Duration
	logger   zerolog.Logger
	metrics  Metrics
}

// New creates a Sweeper. interval should be small relative to how quickly
// subscribers need to learn about expirations (spec.md's
// EXPIRATION_INTERVAL is 2 seconds).
func New(st store.Store, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{st: st, interval: interval, logger: logger}
}

// WithMetrics attaches an optional metrics reporter.
func (s *Sweeper) WithMetrics(m Metrics) *Sweeper {
	s.metrics = m
	return s
}

// Run blocks, sweeping on each tick, until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.st.DeleteExpired(ctx, time.Now())
			if err != nil {
				s.logger.Error().Err(err).Msg("expiration sweep failed")
				continue
			}
			if n > 0 {
				s.logger.Debug().Int64("deleted", n).Msg("swept expired links")
				if s.metrics != nil {
					s.metrics.LinksExpired(n)
				}
			}
		}
	}
}
