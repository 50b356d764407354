package abuse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const sweepTimeout = 10 * time.Second

// Sweeper runs the periodic maintenance of a guard's state: expired entry
// sweeps and, unless nonces carry their own TTL, the full nonce rotation.
type Sweeper struct {
	cron   *cron.Cron
	state  StateStore
	logger *slog.Logger
}

// NewSweeper schedules maintenance for g. Jobs start with Start.
func NewSweeper(g *Guard, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		cron:   cron.New(),
		state:  g.State(),
		logger: logger.With(slog.String("component", "abuse_sweeper")),
	}

	cfg := g.Config()
	schedule := cfg.SweepSchedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return nil, fmt.Errorf("abuse: schedule sweep %q: %w", schedule, err)
	}
	if !cfg.PerNonceTTL {
		rotation := "@every " + cfg.NonceRotation.String()
		if _, err := s.cron.AddFunc(rotation, s.RotateNonces); err != nil {
			return nil, fmt.Errorf("abuse: schedule nonce rotation %q: %w", rotation, err)
		}
	}
	return s, nil
}

// Start begins running scheduled jobs in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs or ctx, whichever ends first.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Sweep drops expired state entries.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if err := s.state.Sweep(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Abuse state sweep failed", slog.String("error", err.Error()))
	}
}

// RotateNonces clears the whole nonce seen-set. A nonce accepted just before
// the rotation can be replayed just after it, within the timestamp window.
func (s *Sweeper) RotateNonces() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if err := s.state.ClearNonces(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Nonce rotation failed", slog.String("error", err.Error()))
		return
	}
	s.logger.DebugContext(ctx, "Nonce seen-set rotated")
}

// Entries reports how many jobs are scheduled.
func (s *Sweeper) Entries() int {
	return len(s.cron.Entries())
}
