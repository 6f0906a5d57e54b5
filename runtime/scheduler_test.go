package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type stubPruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
	called  chan struct{}
}

func (p *stubPruner) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	p.mu.Lock()
	p.cutoffs = append(p.cutoffs, cutoff)
	p.mu.Unlock()
	if p.called != nil {
		select {
		case p.called <- struct{}{}:
		default:
		}
	}
	return 1, p.err
}

func TestParseSchedule(t *testing.T) {
	base := time.Date(2025, 1, 1, 10, 7, 0, 0, time.UTC)
	tests := []struct {
		schedule string
		want     time.Time
		wantErr  bool
	}{
		{"*/15 * * * *", time.Date(2025, 1, 1, 10, 15, 0, 0, time.UTC), false},
		{"0 0 * * * *", time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC), false},
		{"@daily", time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), false},
		{"30m", base.Add(30 * time.Minute), false},
		{"1h30m", base.Add(90 * time.Minute), false},
		{"", time.Time{}, true},
		{"100ms", time.Time{}, true},
		{"not a schedule", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			sched, err := ParseSchedule(tt.schedule)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tt.schedule)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q) failed: %v", tt.schedule, err)
			}
			if got := sched.Next(base); !got.Equal(tt.want) {
				t.Errorf("Next() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewSchedulerValidation(t *testing.T) {
	if _, err := NewScheduler(nil, "1h", time.Hour, zerolog.Nop()); err == nil {
		t.Error("Expected error for nil pruner")
	}
	if _, err := NewScheduler(&stubPruner{}, "1h", 0, zerolog.Nop()); err == nil {
		t.Error("Expected error for zero retention")
	}
	if _, err := NewScheduler(&stubPruner{}, "whenever", time.Hour, zerolog.Nop()); err == nil {
		t.Error("Expected error for bad schedule")
	}
}

func TestSchedulerRunOnce(t *testing.T) {
	pruner := &stubPruner{}
	s, err := NewScheduler(pruner, "@hourly", 24*time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.RunOnce(context.Background())

	if len(pruner.cutoffs) != 1 {
		t.Fatalf("Expected 1 prune, got %d", len(pruner.cutoffs))
	}
	if want := now.Add(-24 * time.Hour); !pruner.cutoffs[0].Equal(want) {
		t.Errorf("Expected cutoff %v, got %v", want, pruner.cutoffs[0])
	}

	// Errors are logged, not propagated
	pruner.err = errors.New("database is locked")
	s.RunOnce(context.Background())
}

func TestSchedulerStartStops(t *testing.T) {
	pruner := &stubPruner{called: make(chan struct{}, 1)}
	s, err := NewScheduler(pruner, "@hourly", time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	select {
	case <-pruner.called:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected an immediate prune on start")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Scheduler did not stop after cancel")
	}
}
