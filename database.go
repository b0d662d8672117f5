// Package blobdoc implements an embedded, MongoDB-compatible document
// database that persists each collection as a single JSON blob in an
// external object store and coordinates concurrent processes through a
// shared key-value property bag.
//
// Key features:
//   - MongoDB-compatible CRUD surface (insertOne, find, updateOne, ...)
//   - Restricted filter algebra ($eq/$gt/$lt, $and/$or) and update
//     operators ($set, $inc, $push, $pull, ...) with dot-path access
//   - Optimistic concurrency via per-collection modification tokens
//   - Virtual locking with stale-lock stealing across processes that
//     share only the property bag and the object store
//   - Pluggable backends: any objectstore.Store / propertybag.Bag pair
package blobdoc

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/kartikbazzad/bunbase/blobdoc/internal/logx"
	"github.com/kartikbazzad/bunbase/blobdoc/internal/query"
	"github.com/kartikbazzad/bunbase/blobdoc/objectstore"
	"github.com/kartikbazzad/bunbase/blobdoc/propertybag"
)

// Database is the composition root: it owns the MasterIndex, the
// CollectionCoordinator, the object-store adapter, and the in-process
// collection directory. Every Collection a caller gets back is owned
// exclusively by the Database that produced it; collections carry only a
// non-owning back-reference to the shared adapter and coordinator.
type Database struct {
	cfg   *Config
	store *storeAdapter
	bag   propertybag.Bag
	ids   IDGenerator
	clock Clock
	log   *logx.Logger

	masterIndex *MasterIndex
	coordinator *CollectionCoordinator
	queryCfg    query.Config

	mu          sync.Mutex
	collections map[string]*Collection

	indexPropertyKey string
}

// indexBlob is the small JSON artifact summarising the collection
// directory, written on every directory change and used to rebuild the
// MasterIndex record on recovery.
type indexBlob struct {
	Collections map[string]IndexEntry `json:"collections"`
	LastUpdated time.Time             `json:"lastUpdated"`
	Version     int                   `json:"version"`
}

// IndexEntry is one collection's row in the index blob, as returned by
// Database.LoadIndex.
type IndexEntry struct {
	FileID        string    `json:"fileId"`
	LastUpdated   time.Time `json:"lastUpdated"`
	DocumentCount int       `json:"documentCount"`
}

// Open constructs and initialises a Database against the given collaborator
// implementations and configuration. cfg may be nil, in which case
// DefaultConfig() is used.
func Open(ctx context.Context, store objectstore.Store, bag propertybag.Bag, cfg *Config) (*Database, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := requireNonNil("store", store); err != nil {
		return nil, err
	}
	if err := requireNonNil("bag", bag); err != nil {
		return nil, err
	}

	log := logx.Default()
	log.SetLevel(toLogxLevel(cfg.LogLevel))
	filePolicy := NewRetryPolicy(cfg.FileRetryAttempts, cfg.FileRetryDelay, cfg.FileRetryBackoffBase)
	adapter := newStoreAdapter(store, filePolicy)

	masterIndex := NewMasterIndex(bag, cfg.MasterIndexKey, cfg.LockTimeout, DefaultIDGenerator, DefaultClock)
	lockPolicy := NewRetryPolicy(cfg.RetryAttempts, cfg.RetryDelay, cfg.RetryBackoffBase)
	coordinator := newCollectionCoordinator(masterIndex, DefaultIDGenerator, DefaultClock, lockPolicy, cfg.CoordinationTimeout, log.Scoped("coordinator"))

	db := &Database{
		cfg:              cfg,
		store:            adapter,
		bag:              bag,
		ids:              DefaultIDGenerator,
		clock:            DefaultClock,
		log:              log,
		masterIndex:      masterIndex,
		coordinator:      coordinator,
		queryCfg:         query.Config{MaxDepth: cfg.QueryEngineMaxNestedDepth, SupportedOperators: cfg.QueryEngineSupportedOperators, LogicalOperators: cfg.QueryEngineLogicalOperators},
		collections:      make(map[string]*Collection),
		indexPropertyKey: cfg.MasterIndexKey + "_INDEX_FILE_ID",
	}

	if err := db.initialise(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// initialise ensures the MasterIndex record and the index blob both exist,
// creating them if this is the first Open against a fresh property bag.
func (db *Database) initialise(ctx context.Context) error {
	if err := db.masterIndex.ForceReload(ctx); err != nil {
		return err
	}
	// Only an absent record is written: overwriting an existing one here
	// would race with other processes' lock writes.
	_, recordExists, err := db.bag.GetProperty(ctx, db.cfg.MasterIndexKey)
	if err != nil {
		return wrapErr(KindMasterIndexError, "failed to read master index", err)
	}
	if !recordExists {
		if err := db.masterIndex.Save(ctx); err != nil {
			return err
		}
		db.log.Debug("created master index record under %q", db.cfg.MasterIndexKey)
	}
	_, ok, err := db.bag.GetProperty(ctx, db.indexPropertyKey)
	if err != nil {
		return wrapErr(KindMasterIndexError, "failed to read index blob reference", err)
	}
	if !ok {
		if err := db.writeIndexBlob(ctx, ""); err != nil {
			return err
		}
	}
	if db.cfg.BackupOnInitialise {
		if _, err := db.BackupIndexToStore(ctx); err != nil {
			return err
		}
	}
	return nil
}

// writeIndexBlob serialises the current MasterIndex collection directory
// and writes it to the index blob, creating one if existingFileID is empty.
func (db *Database) writeIndexBlob(ctx context.Context, existingFileID string) error {
	collections, err := db.masterIndex.GetCollections(ctx)
	if err != nil {
		return err
	}
	version, err := db.masterIndex.Version(ctx)
	if err != nil {
		return err
	}
	blob := indexBlob{Collections: make(map[string]IndexEntry, len(collections)), LastUpdated: db.clock.Now(), Version: version}
	for name, meta := range collections {
		blob.Collections[name] = IndexEntry{FileID: meta.FileID, LastUpdated: meta.LastUpdated, DocumentCount: meta.DocumentCount}
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return wrapErr(KindOperationError, "failed to serialize index blob", err)
	}

	fileID := existingFileID
	if fileID == "" {
		fileID, err = db.store.createFile(ctx, db.cfg.RootFolderID, "_index", data)
		if err != nil {
			return err
		}
	} else if err := db.store.updateFile(ctx, fileID, data); err != nil {
		return err
	}
	return db.bag.SetProperty(ctx, db.indexPropertyKey, fileID)
}

// onDirectoryChange rewrites the index blob after a collection is created
// or dropped.
func (db *Database) onDirectoryChange(ctx context.Context) error {
	fileID, ok, err := db.bag.GetProperty(ctx, db.indexPropertyKey)
	if err != nil {
		return wrapErr(KindMasterIndexError, "failed to read index blob reference", err)
	}
	if !ok {
		fileID = ""
	}
	return db.writeIndexBlob(ctx, fileID)
}

// validateCollectionName enforces collection-name validation: non-empty,
// no path separators or control characters, with a configurable
// strip-or-reject policy for disallowed characters.
func (db *Database) validateCollectionName(name string) (string, error) {
	if name == "" {
		return "", newErr(KindInvalidArgument, "collection name must not be empty")
	}
	hasDisallowed := false
	var b strings.Builder
	for _, r := range name {
		if r == '/' || r == '\\' || r < 0x20 || r == 0x7f {
			hasDisallowed = true
			continue
		}
		b.WriteRune(r)
	}
	if !hasDisallowed {
		return name, nil
	}
	if db.cfg.StripDisallowedCollectionNameCharacters {
		stripped := b.String()
		if stripped == "" {
			return "", newErr(KindInvalidArgument, "collection name contains only disallowed characters", "name", name)
		}
		return stripped, nil
	}
	return "", newErr(KindInvalidArgument, "collection name contains path separators or control characters", "name", name)
}

// CreateCollection creates a new, empty collection, registering it in the
// MasterIndex and rewriting the index blob.
func (db *Database) CreateCollection(ctx context.Context, name string) (*Collection, error) {
	name, err := db.validateCollectionName(name)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	_, exists, err := db.masterIndex.GetCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, newErr(KindInvalidArgument, "collection already exists", "name", name)
	}

	initial, err := json.Marshal(map[string]any{
		"documents": map[string]any{},
		"metadata": map[string]any{
			"created":           db.clock.Now(),
			"lastUpdated":       db.clock.Now(),
			"documentCount":     0,
			"modificationToken": db.ids.NewID(),
		},
	})
	if err != nil {
		return nil, wrapErr(KindOperationError, "failed to serialize initial collection blob", err)
	}
	fileID, err := db.store.createFile(ctx, db.cfg.RootFolderID, name, initial)
	if err != nil {
		return nil, err
	}

	now := db.clock.Now()
	meta := CollectionMetadata{
		Name:              name,
		FileID:            fileID,
		Created:           now,
		LastUpdated:       now,
		DocumentCount:     0,
		ModificationToken: db.ids.NewID(),
	}
	if err := db.masterIndex.AddCollection(ctx, name, meta); err != nil {
		return nil, err
	}
	if err := db.onDirectoryChange(ctx); err != nil {
		return nil, err
	}

	db.log.Info("created collection %q (file %s)", name, fileID)
	col := db.newCollection(name, meta)
	db.collections[name] = col
	return col, nil
}

// GetCollection returns the named Collection, auto-creating it if
// cfg.AutoCreateCollections is true and it does not yet exist.
func (db *Database) GetCollection(ctx context.Context, name string) (*Collection, error) {
	db.mu.Lock()
	if col, ok := db.collections[name]; ok {
		db.mu.Unlock()
		return col, nil
	}
	db.mu.Unlock()

	meta, exists, err := db.masterIndex.GetCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		if !db.cfg.AutoCreateCollections {
			return nil, newErr(KindCollectionNotFound, "collection not found", "name", name)
		}
		col, createErr := db.CreateCollection(ctx, name)
		if createErr == nil || !IsKind(createErr, KindInvalidArgument) {
			return col, createErr
		}
		// Lost a create race; fetch the record the winner registered.
		meta, exists, err = db.masterIndex.GetCollection(ctx, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, newErr(KindCollectionNotFound, "collection not found", "name", name)
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if col, ok := db.collections[name]; ok {
		return col, nil
	}
	col := db.newCollection(name, meta)
	db.collections[name] = col
	return col, nil
}

// newCollection wires a Collection to the shared adapter, coordinator, and
// a collection-scoped logger.
func (db *Database) newCollection(name string, meta CollectionMetadata) *Collection {
	return newCollection(name, db.store, db.ids, db.clock, db.cfg.CacheEnabled, db.coordinator, db.queryCfg, meta, db.log.Scoped("collection"))
}

// DropCollection deletes the named collection's blob and removes it from
// the MasterIndex and the in-process directory.
func (db *Database) DropCollection(ctx context.Context, name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	meta, exists, err := db.masterIndex.GetCollection(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return newErr(KindCollectionNotFound, "collection not found", "name", name)
	}
	if err := db.store.deleteFile(ctx, meta.FileID); err != nil && !IsKind(err, KindFileNotFound) {
		return err
	}
	if _, err := db.masterIndex.RemoveCollection(ctx, name); err != nil {
		return err
	}
	delete(db.collections, name)
	db.log.Info("dropped collection %q", name)
	return db.onDirectoryChange(ctx)
}

// ListCollections returns every registered collection name, sorted.
func (db *Database) ListCollections(ctx context.Context) ([]string, error) {
	return db.masterIndex.ListNames(ctx)
}

// LoadIndex reads the current index blob from the object store and returns
// its parsed contents.
func (db *Database) LoadIndex(ctx context.Context) (map[string]IndexEntry, error) {
	fileID, ok, err := db.bag.GetProperty(ctx, db.indexPropertyKey)
	if err != nil {
		return nil, wrapErr(KindMasterIndexError, "failed to read index blob reference", err)
	}
	if !ok {
		return map[string]IndexEntry{}, nil
	}
	raw, err := db.store.readFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	var blob indexBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, wrapErr(KindInvalidFileFormat, "index blob is malformed", err)
	}
	return blob.Collections, nil
}

// BackupIndexToStore writes the current index content to a new blob,
// returning its fileID as the backup identifier for RecoverDatabase. The
// backup is a distinct artifact, never an in-place overwrite of the live
// index blob.
func (db *Database) BackupIndexToStore(ctx context.Context) (string, error) {
	collections, err := db.masterIndex.GetCollections(ctx)
	if err != nil {
		return "", err
	}
	version, err := db.masterIndex.Version(ctx)
	if err != nil {
		return "", err
	}
	blob := indexBlob{Collections: make(map[string]IndexEntry, len(collections)), LastUpdated: db.clock.Now(), Version: version}
	for name, meta := range collections {
		blob.Collections[name] = IndexEntry{FileID: meta.FileID, LastUpdated: meta.LastUpdated, DocumentCount: meta.DocumentCount}
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return "", wrapErr(KindOperationError, "failed to serialize backup index blob", err)
	}
	return db.store.createFile(ctx, db.cfg.RootFolderID, "_index_backup", data)
}

// RecoverDatabase reads a backup index blob, validates it contains a
// collections map, and rewrites the MasterIndex record to point at the
// backup's collections. Fails with KindInvalidFileFormat on a malformed
// backup.
func (db *Database) RecoverDatabase(ctx context.Context, backupID string) error {
	exists, err := db.store.fileExists(ctx, backupID)
	if err != nil {
		return err
	}
	if !exists {
		return newErr(KindFileNotFound, "backup index blob not found", "backupId", backupID)
	}
	raw, err := db.store.readFile(ctx, backupID)
	if err != nil {
		return err
	}
	var blob indexBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return wrapErr(KindInvalidFileFormat, "backup index blob is malformed", err)
	}
	if blob.Collections == nil {
		return newErr(KindInvalidFileFormat, "backup index blob missing collections map", "backupId", backupID)
	}

	collections := make(map[string]CollectionMetadata, len(blob.Collections))
	for name, entry := range blob.Collections {
		collections[name] = CollectionMetadata{
			Name:              name,
			FileID:            entry.FileID,
			Created:           entry.LastUpdated,
			LastUpdated:       entry.LastUpdated,
			DocumentCount:     entry.DocumentCount,
			ModificationToken: db.ids.NewID(),
		}
	}
	if err := db.masterIndex.Replace(ctx, collections); err != nil {
		return err
	}

	db.mu.Lock()
	db.collections = make(map[string]*Collection)
	db.mu.Unlock()

	db.log.Info("recovered database from backup %s: %d collections", backupID, len(collections))
	// The live index blob is rewritten from the recovered directory; the
	// backup artifact itself stays untouched.
	return db.onDirectoryChange(ctx)
}

// Stats summarises the database's current state.
type Stats struct {
	CollectionCount    int
	CachedCollections  int
	TotalDocumentCount int
	MasterIndexVersion int
}

// GetStats computes aggregate counters across all registered collections.
func (db *Database) GetStats(ctx context.Context) (Stats, error) {
	collections, err := db.masterIndex.GetCollections(ctx)
	if err != nil {
		return Stats{}, err
	}
	version, err := db.masterIndex.Version(ctx)
	if err != nil {
		return Stats{}, err
	}
	total := 0
	for _, meta := range collections {
		total += meta.DocumentCount
	}
	db.mu.Lock()
	cached := len(db.collections)
	db.mu.Unlock()
	return Stats{
		CollectionCount:    len(collections),
		CachedCollections:  cached,
		TotalDocumentCount: total,
		MasterIndexVersion: version,
	}, nil
}

func toLogxLevel(level LogLevel) logx.Level {
	switch level {
	case LogDebug:
		return logx.LevelDebug
	case LogWarn:
		return logx.LevelWarn
	case LogError:
		return logx.LevelError
	default:
		return logx.LevelInfo
	}
}
