package thresholds

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS threshold_overrides (
	endpoint_id TEXT NOT NULL,
	node        TEXT NOT NULL,
	vmid        INTEGER NOT NULL,
	enabled     INTEGER NOT NULL DEFAULT 1,
	payload     TEXT NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (endpoint_id, node, vmid)
);`

// Store is the SQLite-backed override store. All reads are served from
// an in-memory copy so classification never touches the database on the
// hot path; writes go to the database first and update the copy after.
type Store struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[Key]Override
}

// DefaultPath returns the override database location under dataPath.
func DefaultPath(dataPath string) string {
	return filepath.Join(dataPath, "thresholds.db")
}

// Open opens (or creates) the override database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening override database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging override database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating override schema: %w", err)
	}

	s := &Store{db: db, cache: make(map[Key]Override)}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Int("overrides", len(s.cache)).Msg("Threshold override store opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadAll() error {
	rows, err := s.db.Query(`SELECT endpoint_id, node, vmid, enabled, payload, updated_at FROM threshold_overrides`)
	if err != nil {
		return fmt.Errorf("loading overrides: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key       Key
			enabled   int
			payload   string
			updatedAt int64
		)
		if err := rows.Scan(&key.EndpointID, &key.Node, &key.VMID, &enabled, &payload, &updatedAt); err != nil {
			return fmt.Errorf("scanning override: %w", err)
		}

		var o Override
		if err := json.Unmarshal([]byte(payload), &o); err != nil {
			log.Warn().Str("key", key.String()).Err(err).Msg("Skipping unreadable threshold override")
			continue
		}
		o.Key = key
		o.Enabled = enabled != 0
		o.UpdatedAt = time.Unix(updatedAt, 0)
		s.cache[key] = o
	}
	return rows.Err()
}

func (s *Store) persist(o Override) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return err
	}
	enabled := 0
	if o.Enabled {
		enabled = 1
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO threshold_overrides (endpoint_id, node, vmid, enabled, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.Key.EndpointID, o.Key.Node, o.Key.VMID, enabled, string(payload), o.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("persisting override %s: %w", o.Key, err)
	}
	return nil
}

// Get returns the override for key.
func (s *Store) Get(key Key) (Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.cache[key]
	if !ok {
		return Override{}, ErrNotFound
	}
	return o, nil
}

// List returns all overrides ordered by key.
func (s *Store) List() []Override {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Override, 0, len(s.cache))
	for _, o := range s.cache {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Create stores a new override. The key must not exist yet.
func (s *Store) Create(o Override) error {
	if err := o.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cache[o.Key]; exists {
		return fmt.Errorf("%w: override %s already exists", ErrValidation, o.Key)
	}
	o.UpdatedAt = time.Now()
	if err := s.persist(o); err != nil {
		return err
	}
	s.cache[o.Key] = o
	return nil
}

// Update replaces an existing override.
func (s *Store) Update(o Override) error {
	if err := o.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cache[o.Key]; !exists {
		return ErrNotFound
	}
	o.UpdatedAt = time.Now()
	if err := s.persist(o); err != nil {
		return err
	}
	s.cache[o.Key] = o
	return nil
}

// Toggle flips or sets the enabled flag of an existing override.
func (s *Store) Toggle(key Key, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, exists := s.cache[key]
	if !exists {
		return ErrNotFound
	}
	o.Enabled = enabled
	o.UpdatedAt = time.Now()
	if err := s.persist(o); err != nil {
		return err
	}
	s.cache[key] = o
	return nil
}

// Delete removes an override.
func (s *Store) Delete(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cache[key]; !exists {
		return ErrNotFound
	}
	if _, err := s.db.Exec(`DELETE FROM threshold_overrides WHERE endpoint_id = ? AND node = ? AND vmid = ?`,
		key.EndpointID, key.Node, key.VMID); err != nil {
		return fmt.Errorf("deleting override %s: %w", key, err)
	}
	delete(s.cache, key)
	return nil
}

// Lookup returns the first enabled override matching the guest across
// any of its contributing endpoints. Endpoint IDs are checked in sorted
// order so the result is deterministic when several match.
func (s *Store) Lookup(endpointIDs []string, node string, vmid int) (Override, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := append([]string(nil), endpointIDs...)
	sort.Strings(ids)
	for _, id := range ids {
		o, ok := s.cache[Key{EndpointID: id, Node: node, VMID: vmid}]
		if ok && o.Enabled {
			return o, true
		}
	}
	return Override{}, false
}
