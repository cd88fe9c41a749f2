package compliance

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dawsos-labs/dawsos/core/pkg/policy"
)

func testMonitor(cfg MonitorConfig) *Monitor {
	cfg.Logger = testLogger()
	m := NewMonitor(cfg)
	base := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return m.WithClock(func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	})
}

func TestMonitor_AllowlistedCallers(t *testing.T) {
	m := testMonitor(MonitorConfig{})
	for _, caller := range []string{CallerExecutor, CallerAdapter, CallerRegistry} {
		if err := m.CheckAccess(caller, "metrics.compute_twr"); err != nil {
			t.Errorf("allowlisted caller %s refused: %v", caller, err)
		}
	}
	if st := m.Stats(); st.Checks != 3 || st.Violations != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestMonitor_ViolationRecordedButAllowed(t *testing.T) {
	m := testMonitor(MonitorConfig{})
	if err := m.CheckAccess("rogue_module", "metrics.compute_twr"); err != nil {
		t.Fatalf("non-strict monitor refused: %v", err)
	}

	st := m.Stats()
	if st.Violations != 1 || st.ByCaller["rogue_module"] != 1 || st.ByCap["metrics.compute_twr"] != 1 {
		t.Errorf("violation not counted: %+v", st)
	}

	events := m.RecentEvents(10)
	if len(events) != 1 || events[0].Allowed || events[0].Caller != "rogue_module" {
		t.Errorf("events = %+v", events)
	}
}

func TestMonitor_StrictRefuses(t *testing.T) {
	m := testMonitor(MonitorConfig{Strict: true})
	err := m.CheckAccess("rogue_module", "metrics.compute_twr")
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("strict refusal = %v", err)
	}
	if err := m.CheckAccess(CallerExecutor, "metrics.compute_twr"); err != nil {
		t.Errorf("strict mode refused an allowlisted caller: %v", err)
	}
}

func TestMonitor_RingBufferEvictsOldestFirst(t *testing.T) {
	m := testMonitor(MonitorConfig{Capacity: 4})
	for i := 0; i < 7; i++ {
		_ = m.CheckAccess(CallerExecutor, fmt.Sprintf("cap.n%d", i))
	}

	events := m.RecentEvents(0)
	if len(events) != 4 {
		t.Fatalf("ring holds %d events, want 4", len(events))
	}
	if events[0].Capability != "cap.n3" || events[3].Capability != "cap.n6" {
		t.Errorf("FIFO order broken: %s .. %s", events[0].Capability, events[3].Capability)
	}
	for i := 1; i < len(events); i++ {
		if events[i].At.Before(events[i-1].At) {
			t.Fatal("events out of chronological order")
		}
	}

	if got := m.RecentEvents(2); len(got) != 2 || got[1].Capability != "cap.n6" {
		t.Errorf("RecentEvents(2) = %+v", got)
	}

	if st := m.Stats(); st.Checks != 7 {
		t.Errorf("eviction lost counter history: %+v", st)
	}
}

func TestMonitor_PolicyRules(t *testing.T) {
	engine, err := policy.NewEngine()
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	m := testMonitor(MonitorConfig{
		Strict: true,
		Engine: engine,
		Rules:  []string{`!capability.startsWith("portfolio.") || caller == "executor"`},
	})

	if err := m.CheckAccess(CallerExecutor, "portfolio.add_position"); err != nil {
		t.Errorf("rule-satisfying call refused: %v", err)
	}
	err = m.CheckAccess(CallerAdapter, "portfolio.add_position")
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("rule violation not refused: %v", err)
	}

	events := m.RecentEvents(1)
	if len(events) != 1 || events[0].Rule == "" {
		t.Errorf("denying rule not recorded: %+v", events)
	}
}

func TestMonitor_BrokenRuleDenies(t *testing.T) {
	engine, err := policy.NewEngine()
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	m := testMonitor(MonitorConfig{
		Strict: true,
		Engine: engine,
		Rules:  []string{`caller +`}, // does not compile
	})
	if err := m.CheckAccess(CallerExecutor, "metrics.compute_twr"); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("unevaluable rule must deny, got %v", err)
	}
}

func TestCallerContext(t *testing.T) {
	ctx := context.Background()
	if got := CallerFromContext(ctx); got != CallerUnknown {
		t.Errorf("unstamped context = %q", got)
	}
	ctx = WithCaller(ctx, CallerExecutor)
	if got := CallerFromContext(ctx); got != CallerExecutor {
		t.Errorf("stamped context = %q", got)
	}
}
