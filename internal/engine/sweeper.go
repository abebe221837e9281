package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/efreitasn/stockreserve/internal/domain"
	"github.com/efreitasn/stockreserve/internal/metrics"
	"github.com/efreitasn/stockreserve/internal/store"
)

// SweepResult summarizes one sweep.
type SweepResult struct {
	Expired int
	Purged  int
	Keys    []domain.StockKey // keys that had at least one reservation expired
	Failed  int               // keys skipped because their lock could not be taken
}

// Sweeper periodically expires reservations whose deadline has passed and
// drops terminal reservations older than the retention window.
type Sweeper struct {
	interval     time.Duration
	retention    time.Duration
	coord        *Coordinator
	reservations *store.ReservationStore
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewSweeper creates a Sweeper. A zero retention keeps terminal
// reservations forever.
func NewSweeper(
	interval, retention time.Duration,
	coord *Coordinator,
	reservations *store.ReservationStore,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		interval:     interval,
		retention:    retention,
		coord:        coord,
		reservations: reservations,
		metrics:      m,
		logger:       logger,
	}
}

// Start launches Run in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	go s.Run(ctx)
}

// Run sweeps at the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, s.coord.now())
		}
	}
}

// Sweep expires every active reservation with a deadline strictly before
// now, one key at a time under that key's lock, then purges old terminal
// reservations. Failures on one key are logged and do not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) SweepResult {
	var result SweepResult

	due := s.reservations.DueBefore(now)
	var order []domain.StockKey
	byKey := make(map[domain.StockKey][]*domain.Reservation)
	for _, r := range due {
		if _, ok := byKey[r.Key]; !ok {
			order = append(order, r.Key)
		}
		byKey[r.Key] = append(byKey[r.Key], r)
	}

	for _, key := range order {
		n, err := s.coord.expireDue(ctx, key, byKey[key], now)
		if err != nil {
			result.Failed++
			s.logger.Warn("sweep skipped key",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if n > 0 {
			result.Expired += n
			result.Keys = append(result.Keys, key)
		}
	}

	if s.retention > 0 {
		result.Purged = s.reservations.PurgeTerminatedBefore(now.Add(-s.retention))
		s.metrics.Purged(result.Purged)
	}
	s.metrics.SetActiveReservations(s.reservations.ActiveCount())

	if result.Expired > 0 || result.Purged > 0 {
		s.logger.Info("sweep completed",
			slog.Int("expired", result.Expired),
			slog.Int("purged", result.Purged),
			slog.Int("keys", len(result.Keys)),
		)
	}
	return result
}
