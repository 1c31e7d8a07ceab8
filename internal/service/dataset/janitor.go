package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultStaleTTL is how long a dataset may stay initialized or in
// progress before the janitor fails it.
const DefaultStaleTTL = 24 * time.Hour

// Janitor periodically fails datasets whose materialization never
// finished, for instance because the process died mid-query.
type Janitor struct {
	cron   *cron.Cron
	store  *Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewJanitor schedules SweepStale on the given cron spec.
func NewJanitor(store *Store, schedule string, ttl time.Duration, logger *slog.Logger) (*Janitor, error) {
	if ttl <= 0 {
		ttl = DefaultStaleTTL
	}
	j := &Janitor{cron: cron.New(), store: store, ttl: ttl, logger: logger}
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, fmt.Errorf("invalid dataset sweep schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start starts the cron scheduler.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("dataset janitor started", "ttl", j.ttl)
}

// Stop stops the scheduler and waits for a running sweep.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("dataset janitor stopped")
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := j.store.SweepStale(ctx, j.ttl); err != nil {
		j.logger.Warn("dataset sweep failed", "error", err)
	}
}
