package registration

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// SweeperConfig configures the expiration sweeper.
type SweeperConfig struct {
	// Interval between sweeps. Defaults to 2s.
	Interval time.Duration

	// GracePeriod is added to each registration's lifetime before it is
	// considered expired.
	GracePeriod time.Duration

	// Limit caps removals per sweep. Zero means no limit.
	Limit int

	Logger *slog.Logger
}

// Sweeper periodically removes registrations whose lifetime has elapsed.
type Sweeper struct {
	store  *Store
	config SweeperConfig
	logger *slog.Logger
}

// NewSweeper creates a sweeper over store.
func NewSweeper(store *Store, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sweeper{store: store, config: cfg, logger: logger}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.store.Now())
		}
	}
}

// Sweep removes every registration expired at now and returns them.
// Each removal is re-checked under the store lock, so a registration
// refreshed by a concurrent update is kept.
func (s *Sweeper) Sweep(now time.Time) []*Registration {
	var candidates []*Registration
	for _, reg := range s.store.All() {
		if !reg.IsAliveWithGrace(now, s.config.GracePeriod) {
			candidates = append(candidates, reg)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// Oldest first so a limited sweep makes progress on the longest overdue.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ExpirationTime().Before(candidates[j].ExpirationTime())
	})

	var removed []*Registration
	for _, reg := range candidates {
		if s.config.Limit > 0 && len(removed) >= s.config.Limit {
			break
		}
		if r, ok := s.store.RemoveIfExpired(reg.ID, now, s.config.GracePeriod); ok {
			s.logger.Debug("registration expired",
				"id", r.ID, "endpoint", r.Endpoint, "lastUpdate", r.LastUpdate)
			removed = append(removed, r)
		}
	}
	return removed
}
