package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// scheduledRunTimeout bounds a cron-fired execution. Scheduled runs have no
// caller to cancel them.
const scheduledRunTimeout = 5 * time.Minute

type cronEntry struct {
	id   cron.EntryID
	expr string
}

// Scheduler fires patterns carrying schedule expressions. Sync reconciles
// cron entries against the corpus, so hot reloads add, drop, and rewire
// schedules without a restart.
type Scheduler struct {
	rt     *Runtime
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cronEntry
}

func NewScheduler(rt *Runtime, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		rt:      rt,
		cron:    cron.New(),
		logger:  logger.With("component", "scheduler"),
		entries: make(map[string]cronEntry),
	}
}

// Start syncs against the corpus and begins firing.
func (s *Scheduler) Start() {
	s.Sync()
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight runs started by cron.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Sync reconciles cron entries with the corpus's scheduled patterns: new
// schedules register, removed ones unregister, changed expressions rewire.
func (s *Scheduler) Sync() {
	scheduled := s.rt.corpus.Scheduled()

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(scheduled))
	for _, p := range scheduled {
		seen[p.ID] = true

		if cur, ok := s.entries[p.ID]; ok {
			if cur.expr == p.Schedule {
				continue
			}
			s.cron.Remove(cur.id)
			delete(s.entries, p.ID)
		}

		if _, err := cron.ParseStandard(p.Schedule); err != nil {
			s.logger.Error("invalid schedule, pattern will not fire",
				"pattern", p.ID, "schedule", p.Schedule, "error", err)
			continue
		}
		id, err := s.cron.AddFunc(p.Schedule, s.job(p.ID))
		if err != nil {
			s.logger.Error("schedule registration failed",
				"pattern", p.ID, "schedule", p.Schedule, "error", err)
			continue
		}
		s.entries[p.ID] = cronEntry{id: id, expr: p.Schedule}
		s.logger.Info("pattern scheduled", "pattern", p.ID, "schedule", p.Schedule)
	}

	for id, entry := range s.entries {
		if !seen[id] {
			s.cron.Remove(entry.id)
			delete(s.entries, id)
			s.logger.Info("pattern unscheduled", "pattern", id)
		}
	}
}

// Entries reports the currently scheduled pattern ids.
func (s *Scheduler) Entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

func (s *Scheduler) job(patternID string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), scheduledRunTimeout)
		defer cancel()

		env, err := s.rt.ExecutePattern(ctx, patternID, QueryOptions{})
		if err != nil {
			s.logger.Error("scheduled run failed", "pattern", patternID, "error", err)
			return
		}
		if env.Failed() {
			s.logger.Warn("scheduled run returned error envelope",
				"pattern", patternID, "kind", env.Error.Kind, "message", env.Error.Message)
			return
		}
		s.logger.Info("scheduled run complete", "pattern", patternID, "source", env.Meta.Source)
	}
}
