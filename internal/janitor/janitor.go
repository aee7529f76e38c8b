// Package janitor handles startup recovery and scheduled maintenance:
// runs orphaned by a crash are failed so their workspaces unlock, and
// old event logs of terminal runs are pruned on a cron schedule.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/duetorch/duet/internal/domain"
	"github.com/duetorch/duet/internal/store"
)

// Janitor owns the maintenance loop
type Janitor struct {
	store     *store.Store
	schedule  cron.Schedule
	retention time.Duration
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// New creates a janitor. retentionDays <= 0 disables pruning.
func New(st *store.Store, cronExpr string, retentionDays int) (*Janitor, error) {
	schedule, err := ParseCron(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parsing cron %q: %w", cronExpr, err)
	}
	return &Janitor{
		store:     st,
		schedule:  schedule,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}, nil
}

// SweepStale fails every run the database still records as running.
// Called once at startup: a run marked running with no live controller
// was orphaned by a crash, and failing it releases its workspace.
func (j *Janitor) SweepStale() (int, error) {
	runs, err := j.store.ListRunsByStatus(domain.RunRunning)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, run := range runs {
		status := domain.RunError
		errMsg := "ORPHANED: process restarted while run was active"
		now := time.Now()
		if err := j.store.UpdateRun(run.ID, store.RunPatch{
			Status:  &status,
			Error:   &errMsg,
			EndedAt: &now,
		}); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// Prune deletes terminal-run events older than the retention window
func (j *Janitor) Prune() (int64, error) {
	if j.retention <= 0 {
		return 0, nil
	}
	return j.store.PruneEventsBefore(time.Now().Add(-j.retention))
}

// Start runs the maintenance loop until ctx is cancelled
func (j *Janitor) Start(ctx context.Context) {
	go func() {
		for {
			next := j.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				j.Prune()
			}
		}
	}()
}
