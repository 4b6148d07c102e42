package maintenance

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"loom/internal/config"
	"loom/internal/overflow"
	"loom/internal/session"
	"loom/internal/storage"
	"loom/internal/tier"
	"loom/internal/token"
)

// activeWindow bounds the compaction sweep to sessions with recent writes;
// anything older has had no growth since its last pass.
const activeWindow = time.Hour

// estimatorTTL bounds how long a persisted learning snapshot outlives its
// last flush. The time-weighted ratio decays within the half-life anyway,
// so old snapshots carry nothing worth restoring and the cleanup job can
// drop them wholesale.
const estimatorTTL = 24 * time.Hour

func estimatorPath(sessionID string) string { return "estimator/" + sessionID }

// sweepCompaction runs a cooldown-gated compression pass over recently
// active sessions. Sessions mid-generation, inside the periodic cooldown,
// or too small to fold are skipped.
func (s *Scheduler) sweepCompaction() error {
	sessions, err := s.db.ListSessionsUpdatedSince(time.Now().Add(-activeWindow))
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}

	var cooldown time.Duration
	if c := config.GetConfig(); c != nil {
		cooldown = c.Overflow.PeriodicCooldown
	}

	var compacted int
	for _, sess := range sessions {
		if cooldown > 0 && s.compactedWithin(sess.ID, cooldown) {
			continue
		}
		res, err := s.orch.CompactNow(sess.ID, overflow.TriggerPeriodic)
		switch {
		case err == nil:
			if res.Level != tier.LevelNone {
				compacted++
			}
		case errors.Is(err, overflow.ErrTooFewMessages):
			// Too small to be worth a pass.
		case errors.Is(err, storage.ErrNotFound):
			// Deleted between listing and compacting.
		case isCooldown(err) || isBusy(err):
			s.log.Debug().Err(err).Str("session_id", sess.ID).Msg("sweep skipping session")
		default:
			s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("sweep compaction failed")
		}
	}

	if compacted > 0 {
		s.log.Info().
			Int("sessions", len(sessions)).
			Int("compacted", compacted).
			Msg("compaction sweep finished")
	}
	return nil
}

// compactedWithin reads the last-compaction stamp from the session
// metadata. Unlike the compactor's in-memory cooldown it survives
// restarts, so the stamp is checked first to spare loading cold stores.
func (s *Scheduler) compactedWithin(sessionID string, window time.Duration) bool {
	v, err := s.db.SessionMeta(sessionID, storage.MetaCompactionLast)
	if err != nil || !v.Exists() {
		return false
	}
	at, err := time.Parse(time.RFC3339, v.String())
	if err != nil {
		return false
	}
	return time.Since(at) < window
}

func isCooldown(err error) bool {
	var ce *overflow.CooldownError
	return errors.As(err, &ce)
}

func isBusy(err error) bool {
	serr, ok := session.AsError(err)
	return ok && serr.Kind == session.KindBusy
}

// prunePins resolves persisted pins against the message table for every
// session without a resident store. Resident stores prune on load and on
// API reads, so the sweep only covers cold sessions.
func (s *Scheduler) prunePins() error {
	resident := make(map[string]struct{})
	for _, id := range s.orch.ActiveSessions() {
		resident[id] = struct{}{}
	}

	sessions, err := s.db.ListSessions()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	for _, sess := range sessions {
		if _, ok := resident[sess.ID]; ok {
			continue
		}
		orphans, err := tier.PrunePersistedPins(s.db.Documents(), sess.ID, s.db.MessageExists)
		if err != nil {
			s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("pin prune failed")
			continue
		}
		if len(orphans) > 0 {
			s.log.Info().
				Str("session_id", sess.ID).
				Strs("message_ids", orphans).
				Msg("pruned orphaned pins")
		}
	}
	return nil
}

// cleanDocuments removes expired documents and context documents orphaned
// by sessions that no longer exist. A crash between a session delete and
// its document purge leaves the latter behind.
func (s *Scheduler) cleanDocuments() error {
	expired, err := s.db.Documents().CleanExpired()
	if err != nil {
		return fmt.Errorf("clean expired documents: %w", err)
	}

	purged, err := s.purgeOrphanContexts()
	if err != nil {
		return err
	}

	if expired > 0 || purged > 0 {
		s.log.Info().
			Int64("expired", expired).
			Int("orphaned_sessions", purged).
			Msg("document cleanup finished")
	}
	return nil
}

func (s *Scheduler) purgeOrphanContexts() (int, error) {
	paths, err := s.db.Documents().List("context/")
	if err != nil {
		return 0, fmt.Errorf("list context documents: %w", err)
	}

	checked := make(map[string]struct{})
	var purged int
	for _, p := range paths {
		id, _, ok := strings.Cut(strings.TrimPrefix(p, "context/"), "/")
		if !ok || id == "" {
			continue
		}
		if _, done := checked[id]; done {
			continue
		}
		checked[id] = struct{}{}

		if _, err := s.db.GetSession(id); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return purged, fmt.Errorf("check session %s: %w", id, err)
		}

		if err := tier.Purge(s.db.Documents(), id); err != nil {
			s.log.Warn().Err(err).Str("session_id", id).Msg("orphan context purge failed")
			continue
		}
		purged++
	}
	return purged, nil
}

// flushState persists resident tier stores and per-session estimator
// learning state. Estimator snapshots carry a TTL so abandoned sessions
// age out through the cleanup job.
func (s *Scheduler) flushState() error {
	for _, id := range s.orch.ActiveSessions() {
		if err := s.orch.SaveStore(id); err != nil {
			s.log.Warn().Err(err).Str("session_id", id).Msg("tier snapshot flush failed")
		}
	}

	docs := s.db.Documents()
	for _, id := range s.est.Sessions() {
		st, ok := s.est.Snapshot(id)
		if !ok || len(st.Samples) == 0 {
			continue
		}
		if err := docs.WriteJSONTTL(estimatorPath(id), st, estimatorTTL); err != nil {
			s.log.Warn().Err(err).Str("session_id", id).Msg("estimator snapshot flush failed")
		}
	}
	return nil
}

// restoreEstimator rehydrates learning state persisted by the flush job.
func (s *Scheduler) restoreEstimator() {
	docs := s.db.Documents()
	paths, err := docs.List("estimator/")
	if err != nil {
		s.log.Warn().Err(err).Msg("estimator snapshot scan failed")
		return
	}

	var restored int
	for _, p := range paths {
		id := strings.TrimPrefix(p, "estimator/")
		if id == "" {
			continue
		}
		var st token.SessionState
		if err := docs.ReadJSON(p, &st); err != nil {
			s.log.Warn().Err(err).Str("path", p).Msg("estimator snapshot read failed")
			continue
		}
		if len(st.Samples) == 0 {
			continue
		}
		s.est.Restore(id, st)
		restored++
	}

	if restored > 0 {
		s.log.Info().Int("sessions", restored).Msg("estimator learning state restored")
	}
}
