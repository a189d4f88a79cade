package schedule

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/memkeep/memkeep/pkg/knowledge"
)

type fakeRunner struct {
	mu       sync.Mutex
	triggers []knowledge.ConsolidationTrigger
	err      error
}

func (f *fakeRunner) Run(ctx context.Context, trigger knowledge.ConsolidationTrigger) (knowledge.ConsolidationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger)
	if f.err != nil {
		return knowledge.ConsolidationSummary{}, f.err
	}
	return knowledge.ConsolidationSummary{UsersProcessed: 1}, nil
}

func TestNewScheduler_RejectsInvalidCron(t *testing.T) {
	if _, err := NewScheduler(&fakeRunner{}, "not a cron", nil); err == nil {
		t.Fatalf("expected error for invalid cron expression")
	}
	if _, err := NewScheduler(&fakeRunner{}, "0 * * * *", nil); err != nil {
		t.Fatalf("valid cron rejected: %v", err)
	}
}

func TestScheduler_RunOnceCoversEveryTimezone(t *testing.T) {
	runner := &fakeRunner{}
	s, err := NewScheduler(runner, "0 * * * *", []string{"UTC", "Europe/Lisbon"})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	s.RunOnce(context.Background(), 1700000000000)

	if len(runner.triggers) != 2 {
		t.Fatalf("expected one batch per timezone, got %d", len(runner.triggers))
	}
	seen := map[string]bool{}
	for _, trigger := range runner.triggers {
		seen[trigger.Timezone] = true
		if trigger.DateMS != 1700000000000 {
			t.Fatalf("trigger missing batch date: %#v", trigger)
		}
	}
	if !seen["UTC"] || !seen["Europe/Lisbon"] {
		t.Fatalf("missing cohort: %#v", runner.triggers)
	}
}

func TestScheduler_RunOnceSurvivesBatchFailure(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("db unavailable")}
	s, err := NewScheduler(runner, "0 * * * *", []string{"UTC", "America/New_York"})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	s.RunOnce(context.Background(), 1700000000000)
	if len(runner.triggers) != 2 {
		t.Fatalf("a failed cohort must not stop the rest, got %d calls", len(runner.triggers))
	}
}

func TestScheduler_DefaultsToUTC(t *testing.T) {
	s, err := NewScheduler(&fakeRunner{}, "0 * * * *", nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if len(s.timezones) != 1 || s.timezones[0] != "UTC" {
		t.Fatalf("expected UTC default, got %#v", s.timezones)
	}
}
