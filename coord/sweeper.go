package coord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs SweepExpired on a cron schedule. Runs never overlap, and
// Stop cancels a sweep that is still in progress.
type Sweeper struct {
	c       *Coordinator
	cron    *cron.Cron
	maxAge  time.Duration
	timeout time.Duration

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSweeper schedules sweeps with a standard cron expression or a
// descriptor such as "@every 10m". Each run is bounded by timeout.
func NewSweeper(c *Coordinator, schedule string, maxAge, timeout time.Duration) (*Sweeper, error) {
	if timeout <= 0 {
		timeout = time.Minute
	}
	s := &Sweeper{
		c:       c,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		maxAge:  maxAge,
		timeout: timeout,
	}
	if _, err := s.cron.AddFunc(schedule, s.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()
	s.cron.Start()
}

// RunOnce performs one bounded sweep, logging rather than returning errors.
func (s *Sweeper) RunOnce() {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	if _, err := s.c.SweepExpired(ctx, s.maxAge); err != nil {
		s.c.logger.Warn("maintenance sweep failed", "error", err)
	}
}

// Stop cancels any running sweep and waits for it to return or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
