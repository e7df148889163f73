package policy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
)

// Persistence layout. The durable record is a single row under a fixed
// database/key pair.
const (
	// DefaultDatabaseDir is the leveldb directory holding the policy record.
	DefaultDatabaseDir = "api-cache-config"

	// recordKey addresses the single persisted policy record.
	recordKey = "config/latest"
)

// persistedRecord is the durable policy envelope.
type persistedRecord struct {
	Policy  *CachePolicy `json:"policy"`
	SavedAt int64        `json:"savedAt"` // ms since epoch
}

// Store owns the currently active policy and a persistent copy behind a
// durable key-value store.
//
// Callbacks registered with OnSet and OnReset fire strictly after the
// in-memory state has been updated. OnSet fires unconditionally per call;
// deduplication of identical deliveries is the sync client's job.
type Store struct {
	mu      sync.Mutex
	current *CachePolicy
	db      *leveldb.DB
	expiry  *time.Timer

	onSet   []func(*CachePolicy)
	onReset []func()

	logger zerolog.Logger
	now    func() time.Time
}

// NewStore opens (or creates) the policy database at dir and returns a
// store with no active policy. Use LoadFromPersistenceIfValid to adopt a
// previously persisted record.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	if dir == "" {
		dir = DefaultDatabaseDir
	}
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open policy database: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
	}, nil
}

// OnSet registers a callback invoked after every non-nil Set.
func (s *Store) OnSet(fn func(*CachePolicy)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSet = append(s.onSet, fn)
}

// OnReset registers a callback invoked after every Reset (or Set(nil)).
func (s *Store) OnReset(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReset = append(s.onReset, fn)
}

// Current returns the active policy, or nil.
func (s *Store) Current() *CachePolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Set replaces the active policy. A non-nil policy with ConfigTTL > 0 is
// persisted as {policy, savedAt: now} and scheduled for expiry; a nil
// policy clears the persisted copy and cancels any pending expiry.
// Persistence failures are logged and swallowed; the in-memory replacement
// always completes.
func (s *Store) Set(p *CachePolicy) {
	if p == nil {
		s.Reset()
		return
	}
	s.set(p, time.Duration(p.ConfigTTL)*time.Millisecond, true)
}

// set installs p, schedules expiry after ttl (if positive), optionally
// persisting the record, and fires OnSet callbacks.
func (s *Store) set(p *CachePolicy, ttl time.Duration, persist bool) {
	s.mu.Lock()
	s.current = p
	s.cancelExpiryLocked()
	if ttl > 0 {
		s.expiry = time.AfterFunc(ttl, s.Reset)
	}
	callbacks := append([]func(*CachePolicy){}, s.onSet...)
	s.mu.Unlock()

	if persist {
		if ttl > 0 {
			s.persist(p)
		} else {
			// A policy that must not outlive the session also must
			// not resurrect an older persisted record on restart.
			s.clearPersisted()
		}
	}

	for _, fn := range callbacks {
		fn(p)
	}
}

// Reset clears the active policy, the persisted copy, and any pending
// expiry, then fires OnReset callbacks.
func (s *Store) Reset() {
	s.mu.Lock()
	s.current = nil
	s.cancelExpiryLocked()
	callbacks := append([]func(){}, s.onReset...)
	s.mu.Unlock()

	s.clearPersisted()

	for _, fn := range callbacks {
		fn()
	}
}

// LoadFromPersistenceIfValid adopts the persisted record if it exists and
// its ConfigTTL window has not elapsed, scheduling expiry for the remaining
// window. An expired or unreadable record is cleared.
func (s *Store) LoadFromPersistenceIfValid() {
	data, err := s.db.Get([]byte(recordKey), nil)
	if err != nil {
		if err != leveldb.ErrNotFound {
			s.logger.Warn().Err(err).Msg("Could not read persisted policy")
		}
		return
	}

	var record persistedRecord
	if err := json.Unmarshal(data, &record); err != nil {
		s.logger.Warn().Err(err).Msg("Corrupt persisted policy, clearing")
		s.clearPersisted()
		return
	}
	if !record.Policy.Valid() {
		s.logger.Warn().Msg("Persisted policy is invalid, clearing")
		s.clearPersisted()
		return
	}

	deadline := record.SavedAt + record.Policy.ConfigTTL
	remaining := time.Duration(deadline-s.now().UnixMilli()) * time.Millisecond
	if record.Policy.ConfigTTL <= 0 || remaining <= 0 {
		s.logger.Debug().Msg("Persisted policy expired, clearing")
		s.clearPersisted()
		return
	}

	s.logger.Info().Dur("remaining", remaining).Msg("Adopting persisted policy")
	s.set(record.Policy, remaining, false)
}

// ResolveRequestSettings returns the merged settings for a request, or nil
// if the request origin is ignored, no host or endpoint node matches, or no
// settings at any level apply.
func (s *Store) ResolveRequestSettings(r *http.Request, ignoreOrigins []string) *CacheSettings {
	origin := RequestOrigin(r.URL)
	for _, ignored := range ignoreOrigins {
		if origin == ignored {
			return nil
		}
	}

	p := s.Current()
	if p == nil {
		return nil
	}
	return p.Resolve(origin, r.URL.Path, r.Method)
}

// PrefetchRequests enumerates the active policy's declared requests whose
// prefetch mode is in modes. Returns nil when no policy is active.
func (s *Store) PrefetchRequests(modes ...PrefetchMode) []PrefetchRequest {
	p := s.Current()
	if p == nil {
		return nil
	}
	return p.PrefetchRequests(modes...)
}

// Close releases the underlying database. The store must not be used after
// Close.
func (s *Store) Close() error {
	s.mu.Lock()
	s.cancelExpiryLocked()
	s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) cancelExpiryLocked() {
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
}

func (s *Store) persist(p *CachePolicy) {
	record := persistedRecord{
		Policy:  p,
		SavedAt: s.now().UnixMilli(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not marshal policy for persistence")
		return
	}
	if err := s.db.Put([]byte(recordKey), data, nil); err != nil {
		s.logger.Warn().Err(err).Msg("Could not persist policy")
	}
}

func (s *Store) clearPersisted() {
	if err := s.db.Delete([]byte(recordKey), nil); err != nil {
		s.logger.Warn().Err(err).Msg("Could not clear persisted policy")
	}
}
