package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/memkeep/memkeep/pkg/knowledge"
	"github.com/memkeep/memkeep/pkg/logger"
)

// Runner is the batch entry point the scheduler fires; satisfied by
// knowledge.Orchestrator.
type Runner interface {
	Run(ctx context.Context, trigger knowledge.ConsolidationTrigger) (knowledge.ConsolidationSummary, error)
}

// Scheduler fires consolidation batches on a cron expression, once per
// configured timezone cohort per due tick.
type Scheduler struct {
	runner    Runner
	expr      string
	timezones []string
	gron      *gronx.Gronx
	// tick is the due-check cadence, overridable in tests.
	tick time.Duration
}

func NewScheduler(runner Runner, expr string, timezones []string) (*Scheduler, error) {
	gron := gronx.New()
	if !gron.IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	if len(timezones) == 0 {
		timezones = []string{"UTC"}
	}
	return &Scheduler{
		runner:    runner,
		expr:      expr,
		timezones: timezones,
		gron:      gron,
		tick:      time.Minute,
	}, nil
}

// Start blocks until ctx is cancelled, checking the cron expression every
// tick and running the batch for each timezone when due. Cohorts run
// sequentially; a failed batch is logged and never stops the loop.
func (s *Scheduler) Start(ctx context.Context) {
	logger.InfoCF("scheduler", "Consolidation scheduler started", map[string]interface{}{
		"cron":      s.expr,
		"timezones": len(s.timezones),
	})

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoC("scheduler", "Consolidation scheduler stopped")
			return
		case now := <-ticker.C:
			due, err := s.gron.IsDue(s.expr, now.Truncate(time.Minute))
			if err != nil {
				logger.ErrorCF("scheduler", "Cron evaluation failed", map[string]interface{}{
					"cron": s.expr, "error": err.Error(),
				})
				continue
			}
			if !due {
				continue
			}
			s.RunOnce(ctx, now.UnixMilli())
		}
	}
}

// RunOnce fires one batch per timezone cohort immediately.
func (s *Scheduler) RunOnce(ctx context.Context, dateMS int64) {
	for _, tz := range s.timezones {
		summary, err := s.runner.Run(ctx, knowledge.ConsolidationTrigger{
			Timezone: tz,
			DateMS:   dateMS,
		})
		if err != nil {
			logger.ErrorCF("scheduler", "Consolidation batch failed", map[string]interface{}{
				"timezone": tz, "error": err.Error(),
			})
			continue
		}
		if summary.UsersProcessed > 0 {
			logger.InfoCF("scheduler", "Consolidation batch completed", map[string]interface{}{
				"timezone":     tz,
				"processed":    summary.UsersProcessed,
				"consolidated": summary.UsersConsolidated,
				"skipped":      summary.UsersSkipped,
				"errors":       len(summary.Errors),
			})
		}
	}
}
