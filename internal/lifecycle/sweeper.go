package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultSweepInterval is used when the configured interval is not positive.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper expires due prompts for every user on a fixed interval. Listing
// active prompts also expires lazily, so the sweeper only bounds how long
// an unread prompt stays active.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
}

// NewSweeper creates a sweeper.
func NewSweeper(manager *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{manager: manager, interval: interval}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Expiry sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many prompts expired.
func (s *Sweeper) Sweep(ctx context.Context) int {
	n, err := s.manager.ExpireDue(ctx, "")
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Int("expired", n).Msg("Expiry sweep failed for some users")
	}
	if n > 0 {
		log.Info().Int("expired", n).Msg("Expired prompts")
	}
	return n
}
