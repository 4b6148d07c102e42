package tier

import (
	"errors"
	"fmt"
	"time"

	"loom/internal/semantic"
	"loom/internal/storage"
	"loom/internal/token"
)

// Document paths under which a session's tier state lives. Recent tier
// state is not persisted; it is rebuilt from the message table minus
// compressed originals.
func compressedPath(sessionID string) string { return "context/" + sessionID + "/compressed" }
func factsPath(sessionID string) string     { return "context/" + sessionID + "/facts" }
func pinsPath(sessionID string) string      { return "context/" + sessionID + "/pins" }
func metricsPath(sessionID string) string   { return "context/" + sessionID + "/metrics" }

type compressedDoc struct {
	Items     []CompressedMessage `json:"items"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type factsDoc struct {
	Items     []semantic.Fact `json:"items"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type pinsDoc struct {
	Items     []Pin     `json:"items"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Load rebuilds a store from persisted documents. Missing documents yield
// empty tiers; the recent tier is populated separately via SetRecent.
func Load(docs *storage.Documents, sessionID string, budgets Budgets, est *token.Estimator) (*Store, error) {
	st := NewStore(sessionID, budgets, est)

	var comp compressedDoc
	if err := docs.ReadJSON(compressedPath(sessionID), &comp); err != nil {
		if !errors.Is(err, storage.ErrDocNotFound) {
			return nil, fmt.Errorf("load compressed tier: %w", err)
		}
	}
	var facts factsDoc
	if err := docs.ReadJSON(factsPath(sessionID), &facts); err != nil {
		if !errors.Is(err, storage.ErrDocNotFound) {
			return nil, fmt.Errorf("load semantic tier: %w", err)
		}
	}
	var pins pinsDoc
	if err := docs.ReadJSON(pinsPath(sessionID), &pins); err != nil {
		if !errors.Is(err, storage.ErrDocNotFound) {
			return nil, fmt.Errorf("load pins: %w", err)
		}
	}
	var metrics Metrics
	if err := docs.ReadJSON(metricsPath(sessionID), &metrics); err != nil {
		if !errors.Is(err, storage.ErrDocNotFound) {
			return nil, fmt.Errorf("load compression metrics: %w", err)
		}
	}

	st.mu.Lock()
	st.compressed = comp.Items
	st.facts = facts.Items
	st.pins = pins.Items
	st.metrics = metrics
	st.mu.Unlock()
	return st, nil
}

// Save writes every persisted tier document.
func (s *Store) Save(docs *storage.Documents) error {
	if err := s.SaveCompressed(docs); err != nil {
		return err
	}
	if err := s.SaveFacts(docs); err != nil {
		return err
	}
	if err := s.SavePins(docs); err != nil {
		return err
	}
	return s.SaveMetrics(docs)
}

// SaveCompressed persists the compressed tier.
func (s *Store) SaveCompressed(docs *storage.Documents) error {
	doc := compressedDoc{Items: s.Compressed(), UpdatedAt: time.Now().UTC()}
	if err := docs.WriteJSON(compressedPath(s.sessionID), doc); err != nil {
		return fmt.Errorf("save compressed tier: %w", err)
	}
	return nil
}

// SaveFacts persists the semantic tier.
func (s *Store) SaveFacts(docs *storage.Documents) error {
	doc := factsDoc{Items: s.Facts(), UpdatedAt: time.Now().UTC()}
	if err := docs.WriteJSON(factsPath(s.sessionID), doc); err != nil {
		return fmt.Errorf("save semantic tier: %w", err)
	}
	return nil
}

// SavePins persists the pin list.
func (s *Store) SavePins(docs *storage.Documents) error {
	doc := pinsDoc{Items: s.Pins(), UpdatedAt: time.Now().UTC()}
	if err := docs.WriteJSON(pinsPath(s.sessionID), doc); err != nil {
		return fmt.Errorf("save pins: %w", err)
	}
	return nil
}

// SaveMetrics persists the compression counters.
func (s *Store) SaveMetrics(docs *storage.Documents) error {
	if err := docs.WriteJSON(metricsPath(s.sessionID), s.Metrics()); err != nil {
		return fmt.Errorf("save compression metrics: %w", err)
	}
	return nil
}

// Purge removes every persisted context document for the session.
func Purge(docs *storage.Documents, sessionID string) error {
	if _, err := docs.RemovePrefix("context/" + sessionID + "/"); err != nil {
		return fmt.Errorf("purge context documents: %w", err)
	}
	return nil
}

// PrunePersistedPins drops pins whose message no longer resolves, working
// directly on the persisted document. Intended for sessions without a
// resident store; live stores prune through Store.PruneOrphanPins.
func PrunePersistedPins(docs *storage.Documents, sessionID string, exists func(id string) (bool, error)) ([]string, error) {
	var doc pinsDoc
	if err := docs.ReadJSON(pinsPath(sessionID), &doc); err != nil {
		if errors.Is(err, storage.ErrDocNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load pins: %w", err)
	}

	kept := doc.Items[:0]
	var orphaned []string
	for _, p := range doc.Items {
		ok, err := exists(p.MessageID)
		if err != nil {
			return nil, fmt.Errorf("resolve pin %s: %w", p.MessageID, err)
		}
		if ok {
			kept = append(kept, p)
		} else {
			orphaned = append(orphaned, p.MessageID)
		}
	}
	if len(orphaned) == 0 {
		return nil, nil
	}

	doc.Items = kept
	doc.UpdatedAt = time.Now().UTC()
	if err := docs.WriteJSON(pinsPath(sessionID), doc); err != nil {
		return orphaned, fmt.Errorf("save pins: %w", err)
	}
	return orphaned, nil
}
