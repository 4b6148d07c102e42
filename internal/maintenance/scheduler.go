// Package maintenance runs the daemon's background housekeeping: periodic
// compaction sweeps over active sessions, orphaned-pin pruning, expired
// document cleanup, and estimator state flush/restore.
package maintenance

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"loom/internal/config"
	"loom/internal/session"
	"loom/internal/storage"
	"loom/internal/token"
	"loom/pkg/logger"
)

// Job names as registered with the scheduler and reported in logs.
const (
	JobCompactionSweep = "compaction-sweep"
	JobPinPrune        = "pin-prune"
	JobDocumentCleanup = "document-cleanup"
	JobStateFlush      = "state-flush"
)

// Scheduler drives the housekeeping jobs on cron schedules. A job never
// overlaps itself; a tick that fires while the previous run is still
// going is skipped.
type Scheduler struct {
	cron *cron.Cron
	cfg  config.MaintenanceConfig
	db   *storage.DB
	orch *session.Orchestrator
	est  *token.Estimator
	log  zerolog.Logger

	mu      sync.RWMutex
	entries map[string]cron.EntryID
	running bool

	// Track in-flight runs for graceful shutdown and overlap skipping.
	wg        sync.WaitGroup
	executing sync.Map // job name -> start time
}

// job binds a registered name and cron spec to its implementation.
type job struct {
	name string
	spec string
	run  func() error
}

// NewScheduler returns a stopped scheduler.
func NewScheduler(cfg config.MaintenanceConfig, db *storage.DB, orch *session.Orchestrator, est *token.Estimator) *Scheduler {
	log := logger.Component("maintenance")
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithLogger(cron.PrintfLogger(&log))),
		cfg:     cfg,
		db:      db,
		orch:    orch,
		est:     est,
		log:     log,
		entries: make(map[string]cron.EntryID),
	}
}

// Start restores persisted estimator state, registers every configured
// job, and begins scheduling. A job with an empty spec is not registered;
// a malformed spec fails Start.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("maintenance scheduler already running")
	}

	s.restoreEstimator()

	for _, j := range s.jobs() {
		if j.spec == "" {
			continue
		}
		if err := s.addEntryLocked(j); err != nil {
			return fmt.Errorf("register %s: %w", j.name, err)
		}
	}

	s.cron.Start()
	s.running = true
	s.log.Info().Int("jobs", len(s.entries)).Msg("maintenance scheduler started")
	return nil
}

// Stop cancels scheduling and waits for in-flight jobs to finish. Safe
// to call on a scheduler that never started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	ctx := s.cron.Stop()
	s.running = false
	s.mu.Unlock()

	<-ctx.Done()
	s.wg.Wait()
	s.log.Info().Msg("maintenance scheduler stopped")
}

// RunNow executes one job immediately, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	for _, j := range s.jobs() {
		if j.name != name {
			continue
		}
		if _, running := s.executing.LoadOrStore(name, time.Now()); running {
			return fmt.Errorf("job %q is already running", name)
		}
		defer s.executing.Delete(name)
		s.wg.Add(1)
		defer s.wg.Done()
		return j.run()
	}
	return fmt.Errorf("unknown maintenance job %q", name)
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// NextRun returns the next scheduled run time for a registered job.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	if entry.ID == 0 {
		return time.Time{}, false
	}
	return entry.Next, true
}

func (s *Scheduler) jobs() []job {
	return []job{
		{name: JobCompactionSweep, spec: s.cfg.CompactionSpec, run: s.sweepCompaction},
		{name: JobPinPrune, spec: s.cfg.PinPruneSpec, run: s.prunePins},
		{name: JobDocumentCleanup, spec: s.cfg.CleanupSpec, run: s.cleanDocuments},
		{name: JobStateFlush, spec: s.cfg.FlushSpec, run: s.flushState},
	}
}

// addEntryLocked registers a job with the cron runner. The runner parses
// six fields; five-field specs get a seconds field prepended.
// Caller must hold s.mu.
func (s *Scheduler) addEntryLocked(j job) error {
	spec := j.spec
	if len(strings.Fields(spec)) == 5 {
		spec = "0 " + spec
	}

	id, err := s.cron.AddFunc(spec, func() { s.execute(j) })
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", j.spec, err)
	}
	s.entries[j.name] = id
	return nil
}

// execute wraps a scheduled run with overlap and shutdown tracking.
func (s *Scheduler) execute(j job) {
	start := time.Now()
	if prev, loaded := s.executing.LoadOrStore(j.name, start); loaded {
		s.log.Warn().
			Str("job", j.name).
			Time("previous_start", prev.(time.Time)).
			Msg("previous run still active, skipping")
		return
	}
	defer s.executing.Delete(j.name)

	s.wg.Add(1)
	defer s.wg.Done()

	if err := j.run(); err != nil {
		s.log.Error().Err(err).Str("job", j.name).Msg("maintenance job failed")
		return
	}
	s.log.Debug().Str("job", j.name).Dur("took", time.Since(start)).Msg("maintenance job finished")
}
