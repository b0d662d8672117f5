package blobdoc

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/kartikbazzad/bunbase/blobdoc/propertybag"
)

// LockStatus is the lock sub-record carried inside CollectionMetadata. The
// timestamps are pointers so an unlocked record serialises them as
// absent/null rather than the zero time.
type LockStatus struct {
	IsLocked    bool       `json:"isLocked"`
	LockedBy    string     `json:"lockedBy,omitempty"`
	LockedAt    *time.Time `json:"lockedAt,omitempty"`
	LockTimeout *time.Time `json:"lockTimeout,omitempty"`
}

// held reports whether a non-expired lock is held at now. The timeout
// instant itself counts as expired. A legacy record locked without a
// timeout is treated as stealable, since it could otherwise never expire.
func (ls LockStatus) held(now time.Time) bool {
	return ls.IsLocked && ls.LockTimeout != nil && now.Before(*ls.LockTimeout)
}

// expired reports whether a lock is present but no longer held.
func (ls LockStatus) expired(now time.Time) bool {
	return ls.IsLocked && !ls.held(now)
}

// CollectionMetadata is the per-collection record held both in the
// collection blob and, as a copy, in the MasterIndex.
type CollectionMetadata struct {
	Name              string     `json:"name"`
	FileID            string     `json:"fileId"`
	Created           time.Time  `json:"created"`
	LastUpdated       time.Time  `json:"lastUpdated"`
	DocumentCount     int        `json:"documentCount"`
	ModificationToken string     `json:"modificationToken"`
	LockStatus        LockStatus `json:"lockStatus"`
}

// ModificationHistoryEntry is one record in a collection's bounded
// modification history.
type ModificationHistoryEntry struct {
	Token     string    `json:"token"`
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}

// masterIndexHistoryLimit bounds modificationHistory per collection:
// at most this many entries are retained, oldest dropped first.
const masterIndexHistoryLimit = 10

// masterIndexRecord is the single JSON value stored under Config.MasterIndexKey.
type masterIndexRecord struct {
	Version             int                                   `json:"version"`
	LastUpdated         time.Time                             `json:"lastUpdated"`
	Collections         map[string]CollectionMetadata         `json:"collections"`
	ModificationHistory map[string][]ModificationHistoryEntry `json:"modificationHistory"`
}

// MasterIndex is the shared registry mediating collection discovery,
// virtual locking, and optimistic-concurrency conflict detection across
// independent Database instances that share only a propertybag.Bag. The
// record is read wholesale on load and rewritten wholesale on every
// mutation; the bag's atomic single-key replacement is the only ordering
// guarantee relied upon.
type MasterIndex struct {
	bag         propertybag.Bag
	key         string
	lockTimeout time.Duration
	ids         IDGenerator
	clock       Clock

	mu     sync.Mutex
	record masterIndexRecord
	loaded bool
}

// NewMasterIndex constructs a MasterIndex bound to the given property bag
// and key. The record is lazily loaded on first use.
func NewMasterIndex(bag propertybag.Bag, key string, lockTimeout time.Duration, ids IDGenerator, clock Clock) *MasterIndex {
	return &MasterIndex{
		bag:         bag,
		key:         key,
		lockTimeout: lockTimeout,
		ids:         ids,
		clock:       clock,
		record: masterIndexRecord{
			Collections:         make(map[string]CollectionMetadata),
			ModificationHistory: make(map[string][]ModificationHistoryEntry),
		},
	}
}

// ensureLoaded reads the current record from the property bag if it has not
// been loaded yet in this process, or always when forceReload is set (the
// coordinator forces a reload before every token read so it observes other
// processes' writes).
func (mi *MasterIndex) ensureLoaded(ctx context.Context, forceReload bool) error {
	if mi.loaded && !forceReload {
		return nil
	}
	raw, ok, err := mi.bag.GetProperty(ctx, mi.key)
	if err != nil {
		return wrapErr(KindMasterIndexError, "failed to read master index", err)
	}
	if !ok {
		mi.record = masterIndexRecord{
			Version:             1,
			LastUpdated:         mi.clock.Now(),
			Collections:         make(map[string]CollectionMetadata),
			ModificationHistory: make(map[string][]ModificationHistoryEntry),
		}
		mi.loaded = true
		return nil
	}
	var rec masterIndexRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		// Corruption policy: leave the in-memory record unchanged on a
		// parse failure; recovery is a higher-level concern.
		return newErr(KindMasterIndexError, "master index record is corrupt", "cause", err.Error())
	}
	// Initial-load policy: fill defaults for legacy/missing sub-fields.
	if rec.Collections == nil {
		rec.Collections = make(map[string]CollectionMetadata)
	}
	if rec.ModificationHistory == nil {
		rec.ModificationHistory = make(map[string][]ModificationHistoryEntry)
	}
	mi.record = rec
	mi.loaded = true
	return nil
}

// Save persists the entire record to the property bag as a single string.
func (mi *MasterIndex) Save(ctx context.Context) error {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.saveLocked(ctx)
}

func (mi *MasterIndex) saveLocked(ctx context.Context) error {
	data, err := json.Marshal(mi.record)
	if err != nil {
		return wrapErr(KindMasterIndexError, "failed to serialize master index", err)
	}
	if err := mi.bag.SetProperty(ctx, mi.key, string(data)); err != nil {
		return wrapErr(KindMasterIndexError, "failed to write master index", err)
	}
	return nil
}

// AddCollection inserts a metadata record; fails with KindInvalidArgument if
// name is already present.
func (mi *MasterIndex) AddCollection(ctx context.Context, name string, metadata CollectionMetadata) error {
	if err := requireNonEmpty("name", name); err != nil {
		return err
	}
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if err := mi.ensureLoaded(ctx, false); err != nil {
		return err
	}
	if _, exists := mi.record.Collections[name]; exists {
		return newErr(KindInvalidArgument, "collection already registered", "name", name)
	}
	mi.record.Collections[name] = metadata
	mi.record.LastUpdated = mi.clock.Now()
	mi.record.Version++
	return mi.saveLocked(ctx)
}

// RemoveCollection deletes name's record, reporting whether one existed.
func (mi *MasterIndex) RemoveCollection(ctx context.Context, name string) (bool, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if err := mi.ensureLoaded(ctx, false); err != nil {
		return false, err
	}
	if _, exists := mi.record.Collections[name]; !exists {
		return false, nil
	}
	delete(mi.record.Collections, name)
	delete(mi.record.ModificationHistory, name)
	mi.record.LastUpdated = mi.clock.Now()
	mi.record.Version++
	if err := mi.saveLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// GetCollection returns a deep copy of name's metadata, or ok == false.
func (mi *MasterIndex) GetCollection(ctx context.Context, name string) (CollectionMetadata, bool, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if err := mi.ensureLoaded(ctx, false); err != nil {
		return CollectionMetadata{}, false, err
	}
	meta, ok := mi.record.Collections[name]
	return meta, ok, nil
}

// GetCollections returns a deep copy of the full collection mapping.
func (mi *MasterIndex) GetCollections(ctx context.Context) (map[string]CollectionMetadata, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if err := mi.ensureLoaded(ctx, false); err != nil {
		return nil, err
	}
	out := make(map[string]CollectionMetadata, len(mi.record.Collections))
	for k, v := range mi.record.Collections {
		out[k] = v
	}
	return out, nil
}

// UpdateCollectionMetadata merges patch fields into name's record, bumps
// lastUpdated, and appends a modificationHistory entry. patch is applied via
// the mutate callback so callers can set only the fields they touched
// without this package needing to know every CollectionMetadata field name
// at the call site.
func (mi *MasterIndex) UpdateCollectionMetadata(ctx context.Context, name string, operation string, mutate func(*CollectionMetadata)) error {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if err := mi.ensureLoaded(ctx, false); err != nil {
		return err
	}
	meta, exists := mi.record.Collections[name]
	if !exists {
		return newErr(KindCollectionNotFound, "collection not registered", "name", name)
	}
	mutate(&meta)
	mi.record.Collections[name] = meta
	mi.record.LastUpdated = mi.clock.Now()
	mi.appendHistoryLocked(name, meta.ModificationToken, operation)
	return mi.saveLocked(ctx)
}

func (mi *MasterIndex) appendHistoryLocked(name, token, operation string) {
	hist := mi.record.ModificationHistory[name]
	hist = append(hist, ModificationHistoryEntry{Token: token, Timestamp: mi.clock.Now(), Operation: operation})
	if len(hist) > masterIndexHistoryLimit {
		hist = hist[len(hist)-masterIndexHistoryLimit:]
	}
	mi.record.ModificationHistory[name] = hist
}

// GenerateModificationToken returns a fresh opaque high-entropy string.
func (mi *MasterIndex) GenerateModificationToken() string {
	return mi.ids.NewID()
}

// ValidateModificationToken reports whether token is a non-empty string.
func ValidateModificationToken(token string) error {
	return requireNonEmpty("modificationToken", token)
}

// HasConflict reports whether the stored token for name differs from
// expectedToken.
func (mi *MasterIndex) HasConflict(ctx context.Context, name, expectedToken string) (bool, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if err := mi.ensureLoaded(ctx, true); err != nil {
		return false, err
	}
	meta, exists := mi.record.Collections[name]
	if !exists {
		return false, newErr(KindCollectionNotFound, "collection not registered", "name", name)
	}
	return meta.ModificationToken != expectedToken, nil
}

// ConflictResolution is the result of ResolveConflict.
type ConflictResolution struct {
	Success bool
	Data    CollectionMetadata
}

// ResolveConflict merges incoming fields into the stored record under the
// last-write-wins strategy and assigns a fresh token.
func (mi *MasterIndex) ResolveConflict(ctx context.Context, name string, incoming CollectionMetadata) (ConflictResolution, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if err := mi.ensureLoaded(ctx, false); err != nil {
		return ConflictResolution{}, err
	}
	if _, exists := mi.record.Collections[name]; !exists {
		return ConflictResolution{}, newErr(KindCollectionNotFound, "collection not registered", "name", name)
	}
	incoming.ModificationToken = mi.ids.NewID()
	mi.record.Collections[name] = incoming
	mi.record.LastUpdated = mi.clock.Now()
	mi.appendHistoryLocked(name, incoming.ModificationToken, "resolveConflict")
	if err := mi.saveLocked(ctx); err != nil {
		return ConflictResolution{}, err
	}
	return ConflictResolution{Success: true, Data: incoming}, nil
}

// AcquireCollectionLock sets lockStatus if the collection is currently
// unlocked or its existing lock has expired.
// Acquisition is a read-modify-write over the whole record: the stored
// state is re-read first (another process may hold the lock), and read
// back after the write to confirm this operation's claim survived a
// concurrent writer, since the property bag offers atomic replacement but
// no compare-and-set.
func (mi *MasterIndex) AcquireCollectionLock(ctx context.Context, name, operationID string) (bool, error) {
	if err := requireNonEmpty("operationId", operationID); err != nil {
		return false, err
	}
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if err := mi.ensureLoaded(ctx, true); err != nil {
		return false, err
	}
	meta, exists := mi.record.Collections[name]
	if !exists {
		return false, newErr(KindCollectionNotFound, "collection not registered", "name", name)
	}
	now := mi.clock.Now()
	if meta.LockStatus.held(now) {
		return false, nil
	}
	expiry := now.Add(mi.lockTimeout)
	meta.LockStatus = LockStatus{
		IsLocked:    true,
		LockedBy:    operationID,
		LockedAt:    &now,
		LockTimeout: &expiry,
	}
	mi.record.Collections[name] = meta
	if err := mi.saveLocked(ctx); err != nil {
		return false, err
	}
	if err := mi.ensureLoaded(ctx, true); err != nil {
		return false, err
	}
	cur, exists := mi.record.Collections[name]
	if !exists || !cur.LockStatus.IsLocked || cur.LockStatus.LockedBy != operationID {
		return false, nil
	}
	return true, nil
}

// ReleaseCollectionLock releases name's lock iff it is currently held by
// operationID, or iff the lock has expired (stale locks may be released by
// any caller).
func (mi *MasterIndex) ReleaseCollectionLock(ctx context.Context, name, operationID string) (bool, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if err := mi.ensureLoaded(ctx, true); err != nil {
		return false, err
	}
	meta, exists := mi.record.Collections[name]
	if !exists {
		return false, newErr(KindCollectionNotFound, "collection not registered", "name", name)
	}
	if !meta.LockStatus.IsLocked {
		return false, nil
	}
	// A stale lock (timeout instant reached) may be released by any caller.
	if meta.LockStatus.LockedBy != operationID && !meta.LockStatus.expired(mi.clock.Now()) {
		return false, nil
	}
	meta.LockStatus = LockStatus{}
	mi.record.Collections[name] = meta
	if err := mi.saveLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// IsCollectionLocked reports whether a non-expired lock is held on name.
func (mi *MasterIndex) IsCollectionLocked(ctx context.Context, name string) (bool, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if err := mi.ensureLoaded(ctx, true); err != nil {
		return false, err
	}
	meta, exists := mi.record.Collections[name]
	if !exists {
		return false, newErr(KindCollectionNotFound, "collection not registered", "name", name)
	}
	return meta.LockStatus.held(mi.clock.Now()), nil
}

// CleanupExpiredLocks scans every collection and clears expired locks,
// reporting whether any were cleared.
func (mi *MasterIndex) CleanupExpiredLocks(ctx context.Context) (bool, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if err := mi.ensureLoaded(ctx, true); err != nil {
		return false, err
	}
	now := mi.clock.Now()
	cleared := false
	for name, meta := range mi.record.Collections {
		if meta.LockStatus.expired(now) {
			meta.LockStatus = LockStatus{}
			mi.record.Collections[name] = meta
			cleared = true
		}
	}
	if !cleared {
		return false, nil
	}
	if err := mi.saveLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// GetModificationHistory returns the bounded ordered sequence of
// modification entries for name, oldest first.
func (mi *MasterIndex) GetModificationHistory(ctx context.Context, name string) ([]ModificationHistoryEntry, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if err := mi.ensureLoaded(ctx, false); err != nil {
		return nil, err
	}
	hist := mi.record.ModificationHistory[name]
	out := make([]ModificationHistoryEntry, len(hist))
	copy(out, hist)
	return out, nil
}

// MasterIndexSnapshot is a point-in-time deep copy of the full registry
// record, for diagnostics and tests.
type MasterIndexSnapshot struct {
	Version             int
	LastUpdated         time.Time
	Collections         map[string]CollectionMetadata
	ModificationHistory map[string][]ModificationHistoryEntry
}

// Snapshot deep-copies the current record.
func (mi *MasterIndex) Snapshot(ctx context.Context) (MasterIndexSnapshot, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if err := mi.ensureLoaded(ctx, false); err != nil {
		return MasterIndexSnapshot{}, err
	}
	snap := MasterIndexSnapshot{
		Version:             mi.record.Version,
		LastUpdated:         mi.record.LastUpdated,
		Collections:         make(map[string]CollectionMetadata, len(mi.record.Collections)),
		ModificationHistory: make(map[string][]ModificationHistoryEntry, len(mi.record.ModificationHistory)),
	}
	for name, meta := range mi.record.Collections {
		snap.Collections[name] = meta
	}
	for name, hist := range mi.record.ModificationHistory {
		cp := make([]ModificationHistoryEntry, len(hist))
		copy(cp, hist)
		snap.ModificationHistory[name] = cp
	}
	return snap, nil
}

// ForceReload discards any cached record and re-reads from the property
// bag, so the caller observes tokens and locks as written by any other
// process since the last read.
func (mi *MasterIndex) ForceReload(ctx context.Context) error {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.ensureLoaded(ctx, true)
}

// ListNames returns every registered collection name, sorted, for
// deterministic iteration (Database.ListCollections).
func (mi *MasterIndex) ListNames(ctx context.Context) ([]string, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if err := mi.ensureLoaded(ctx, false); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(mi.record.Collections))
	for name := range mi.record.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Version reports the current record version, used by Database.GetStats.
func (mi *MasterIndex) Version(ctx context.Context) (int, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if err := mi.ensureLoaded(ctx, false); err != nil {
		return 0, err
	}
	return mi.record.Version, nil
}

// Replace overwrites the entire collections map, used by
// Database.RecoverDatabase to rewrite the MasterIndex record from a backup
// index blob.
func (mi *MasterIndex) Replace(ctx context.Context, collections map[string]CollectionMetadata) error {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	mi.record.Collections = collections
	mi.record.ModificationHistory = make(map[string][]ModificationHistoryEntry)
	mi.record.LastUpdated = mi.clock.Now()
	mi.record.Version++
	mi.loaded = true
	return mi.saveLocked(ctx)
}
