package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var errMissingManager = errors.New("lock manager is required")

const sweepTimeout = 30 * time.Second

type SweeperConfig struct {
	Manager  *Manager
	Schedule string
	Logger   *zap.Logger
}

// Sweeper periodically removes abandoned edit locks.
type Sweeper struct {
	manager  *Manager
	schedule *cron.Cron
	logger   *zap.Logger
}

// NewSweeper registers the sweep on the given cron schedule (standard five-field or @every syntax).
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Manager == nil {
		return nil, errMissingManager
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	sweeper := &Sweeper{
		manager:  cfg.Manager,
		schedule: cron.New(),
		logger:   logger,
	}
	spec := strings.TrimSpace(cfg.Schedule)
	if _, err := sweeper.schedule.AddFunc(spec, sweeper.run); err != nil {
		return nil, fmt.Errorf("invalid lock sweep schedule %q: %w", spec, err)
	}
	return sweeper, nil
}

func (s *Sweeper) Start() {
	s.schedule.Start()
	s.logger.Info("lock sweeper started")
}

// Stop halts the schedule and returns a context that is done once a running sweep finishes.
func (s *Sweeper) Stop() context.Context {
	return s.schedule.Stop()
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	removed, err := s.manager.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("stale edit locks removed", zap.Int64("count", removed))
	}
	return removed, nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	_, _ = s.RunOnce(ctx)
}
