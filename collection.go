package blobdoc

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/kartikbazzad/bunbase/blobdoc/internal/logx"
	"github.com/kartikbazzad/bunbase/blobdoc/internal/query"
	"github.com/kartikbazzad/bunbase/blobdoc/internal/update"
)

// Collection owns one collection's documents, its metadata, and its
// load/save lifecycle. A Collection never owns its Database; it carries
// only the identity (name) needed for the façade to look it up, and a
// non-owning reference to the shared storeAdapter/coordinator the façade
// constructed it with.
type Collection struct {
	name        string
	store       *storeAdapter
	ids         IDGenerator
	clock       Clock
	cache       bool
	coordinator *CollectionCoordinator
	log         *logx.Logger

	queryCfg     query.Config
	updateEngine update.Engine

	mu        sync.Mutex
	loaded    bool
	dirty     bool
	documents map[string]Document
	metadata  CollectionMetadata
}

func newCollection(name string, store *storeAdapter, ids IDGenerator, clock Clock, cache bool, coordinator *CollectionCoordinator, queryCfg query.Config, meta CollectionMetadata, log *logx.Logger) *Collection {
	return &Collection{
		name:        name,
		store:       store,
		ids:         ids,
		clock:       clock,
		cache:       cache,
		coordinator: coordinator,
		log:         log,
		queryCfg:    queryCfg,
		updateEngine: update.Engine{
			Match:   query.Match,
			Compare: query.Compare,
			Equal:   query.ValuesEqual,
		},
		metadata: meta,
	}
}

// Name returns the collection's name.
func (c *Collection) Name() string { return c.name }

// collectionBlob is the on-wire shape of a collection's blob.
type collectionBlob struct {
	Documents map[string]Document `json:"documents"`
	Metadata  blobMetadata        `json:"metadata"`
}

type blobMetadata struct {
	Created           time.Time `json:"created"`
	LastUpdated       time.Time `json:"lastUpdated"`
	DocumentCount     int       `json:"documentCount"`
	ModificationToken string    `json:"modificationToken"`
}

// ensureLoaded triggers the lazy blob load on first access, or always when
// force is true (the coordinator must discard any in-memory state before
// applying a mutation) or whenever caching is disabled.
func (c *Collection) ensureLoaded(ctx context.Context, force bool) error {
	if c.loaded && !force && c.cache {
		return nil
	}
	raw, err := c.store.readFile(ctx, c.metadata.FileID)
	if err != nil {
		return err
	}
	blob, err := deserializeCollectionBlob(raw)
	if err != nil {
		// A raw value that does not look like a JSON document suggests the
		// caller's object-store backend double-decoded the content upstream.
		hint := ""
		if len(raw) > 0 && raw[0] != '{' && raw[0] != '[' {
			hint = "; content does not look like a JSON document, check for double-decoding upstream"
		}
		return wrapErr(KindOperationError, "failed to load collection blob"+hint, err, "collection", c.name)
	}
	c.documents = blob.Documents
	if c.documents == nil {
		c.documents = make(map[string]Document)
	}
	c.metadata.Created = blob.Metadata.Created
	c.metadata.LastUpdated = blob.Metadata.LastUpdated
	c.metadata.DocumentCount = blob.Metadata.DocumentCount
	c.metadata.ModificationToken = blob.Metadata.ModificationToken
	c.loaded = true
	c.dirty = false
	c.log.Debug("loaded %q: %d documents (file %s)", c.name, len(c.documents), c.metadata.FileID)
	return nil
}

func deserializeCollectionBlob(raw []byte) (collectionBlob, error) {
	type wire struct {
		Documents map[string]any `json:"documents"`
		Metadata  blobMetadata   `json:"metadata"`
	}
	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return collectionBlob{}, err
	}
	docs := make(map[string]Document, len(w.Documents))
	for id, v := range w.Documents {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		docs[id] = Document(reviveDates(m).(map[string]any))
	}
	return collectionBlob{Documents: docs, Metadata: w.Metadata}, nil
}

// save serialises the in-memory documents and metadata back to the blob and
// clears the dirty flag. Called by the coordinator after a mutation, never
// directly by a mutating Collection method.
func (c *Collection) save(ctx context.Context) error {
	blob := map[string]any{
		"documents": toAnyMap(c.documents),
		"metadata": map[string]any{
			"created":           c.metadata.Created,
			"lastUpdated":       c.metadata.LastUpdated,
			"documentCount":     c.metadata.DocumentCount,
			"modificationToken": c.metadata.ModificationToken,
		},
	}
	data, err := json.Marshal(marshalable(blob))
	if err != nil {
		return wrapErr(KindOperationError, "failed to serialize collection blob", err, "collection", c.name)
	}
	if err := c.store.updateFile(ctx, c.metadata.FileID, data); err != nil {
		return err
	}
	c.dirty = false
	return nil
}

func toAnyMap(docs map[string]Document) map[string]any {
	out := make(map[string]any, len(docs))
	for k, v := range docs {
		out[k] = v
	}
	return out
}

// sortedIDs returns document ids in a stable, deterministic order. Go maps
// have no iteration-order guarantee, so sorted _id order is the definition
// of "first document" wherever one must be picked from a bare {} filter.
func (c *Collection) sortedIDs() []string {
	ids := make([]string, 0, len(c.documents))
	for id := range c.documents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// validateFilterGate enforces the mutating-operation filter restriction:
// only {} (all documents) or {_id: <string>} (one document). Any other
// shape fails with KindOperationError pointing callers at the QueryEngine
// subsystem for richer matching -- a deliberate design gate on the write
// path rather than a QueryEngine limitation. Reads (Find/FindOne/
// CountDocuments) accept the full filter grammar.
func validateFilterGate(filter Document) error {
	if len(filter) == 0 {
		return nil
	}
	if len(filter) == 1 {
		if id, ok := filter["_id"]; ok {
			if _, isString := id.(string); isString {
				return nil
			}
		}
	}
	return newErr(KindOperationError, "Collection only accepts {} or {_id: <string>} filters at its public surface; use the QueryEngine subsystem directly for richer matching", "filter", filter)
}

// InsertOneResult is returned by Collection.InsertOne.
type InsertOneResult struct {
	InsertedID   string
	Acknowledged bool
}

// insertApply assigns an _id if missing and inserts doc, failing with
// KindDuplicateKey if _id is already present. Called by
// CollectionCoordinator after it has force-reloaded the collection.
func (c *Collection) insertApply(doc Document) (InsertOneResult, error) {
	// normalizeMap doubles as the deep clone: stored documents never share
	// state with the caller's value and hold only plain nested maps.
	clone := Document(normalizeMap(doc))
	id, hasID := clone.GetID()
	if !hasID || id == "" {
		id = c.ids.NewID()
		clone.SetID(id)
	} else if _, exists := c.documents[id]; exists {
		return InsertOneResult{}, newErr(KindDuplicateKey, "document with this _id already exists", "_id", id)
	}
	c.documents[id] = clone
	c.dirty = true
	return InsertOneResult{InsertedID: id, Acknowledged: true}, nil
}

// singleIDFilter reports whether filter is exactly {_id: <string>}, the
// shape that short-circuits to a direct map lookup instead of a scan.
func singleIDFilter(filter Document) (string, bool) {
	if len(filter) != 1 {
		return "", false
	}
	v, ok := filter["_id"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// FindOne returns a deep-cloned document matching filter, or ok == false.
// Empty filter returns any document (the first in sorted _id order). The
// read surface accepts the full QueryEngine grammar; only the mutating
// operations are gated to {} / {_id: ...} filters.
func (c *Collection) FindOne(ctx context.Context, filter Document) (Document, bool, error) {
	docs, err := c.findLimit(ctx, filter, 1)
	if err != nil {
		return nil, false, err
	}
	if len(docs) == 0 {
		return nil, false, nil
	}
	return docs[0], true, nil
}

// Find returns every document matching filter as deep clones, preserving
// sorted _id order. Never nil.
func (c *Collection) Find(ctx context.Context, filter Document) ([]Document, error) {
	return c.findLimit(ctx, filter, 0)
}

func (c *Collection) findLimit(ctx context.Context, filter Document, limit int) ([]Document, error) {
	if filter == nil {
		filter = Document{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(ctx, false); err != nil {
		return nil, err
	}
	out := make([]Document, 0)
	if id, ok := singleIDFilter(filter); ok {
		if doc, exists := c.documents[id]; exists {
			out = append(out, doc.Clone())
		}
		return out, nil
	}
	qfilter := normalizeMap(filter)
	if err := query.Validate(qfilter, c.queryCfg); err != nil {
		return nil, wrapErr(KindInvalidQuery, "invalid filter", err)
	}
	for _, id := range c.sortedIDs() {
		doc := c.documents[id]
		if query.Match(map[string]any(doc), qfilter) {
			out = append(out, doc.Clone())
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// CountDocuments returns the number of documents matching filter.
func (c *Collection) CountDocuments(ctx context.Context, filter Document) (int, error) {
	docs, err := c.Find(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// UpdateOneResult is returned by Collection.UpdateOne.
type UpdateOneResult struct {
	MatchedCount  int
	ModifiedCount int
	Acknowledged  bool
}

// isUpdateOperatorDoc reports whether update contains any top-level
// operator key. Any $-prefixed top-level key makes the whole document an
// operator document; none at all makes it a full replacement.
func isUpdateOperatorDoc(update Document) bool {
	for k := range update {
		if len(k) > 0 && k[0] == '$' {
			return true
		}
	}
	return false
}

// updateApply matches one document via filter, applies either a replacement
// or update-operator document, and reports matched/modified counts. Called
// by CollectionCoordinator after force-reload.
func (c *Collection) updateApply(filter, update Document) (UpdateOneResult, error) {
	var targetID string
	var target Document
	if id, ok := filter["_id"]; ok {
		idStr := id.(string)
		doc, exists := c.documents[idStr]
		if exists {
			targetID, target = idStr, doc
		}
	} else {
		for _, id := range c.sortedIDs() {
			targetID, target = id, c.documents[id]
			break
		}
	}
	if target == nil {
		return UpdateOneResult{Acknowledged: true}, nil
	}

	var mutated Document
	if isUpdateOperatorDoc(update) {
		out, err := c.updateEngine.Apply(map[string]any(target), normalizeMap(update), normalizeMap)
		if err != nil {
			return UpdateOneResult{}, wrapErr(KindInvalidQuery, "invalid update operator document", err)
		}
		mutated = Document(out)
	} else {
		// Replacement: _id is preserved regardless of what the caller's
		// replacement document carries.
		mutated = Document(normalizeMap(update))
		mutated.SetID(targetID)
	}

	modified := !DeepEqual(target, mutated)
	c.documents[targetID] = mutated
	if modified {
		c.dirty = true
	}
	result := UpdateOneResult{MatchedCount: 1, Acknowledged: true}
	if modified {
		result.ModifiedCount = 1
	}
	return result, nil
}

// DeleteOneResult is returned by Collection.DeleteOne.
type DeleteOneResult struct {
	DeletedCount int
	Acknowledged bool
}

// deleteApply removes the one document matching filter. Called by
// CollectionCoordinator after force-reload.
func (c *Collection) deleteApply(filter Document) (DeleteOneResult, error) {
	var targetID string
	if id, ok := filter["_id"]; ok {
		targetID = id.(string)
		if _, exists := c.documents[targetID]; !exists {
			return DeleteOneResult{Acknowledged: true}, nil
		}
	} else {
		ids := c.sortedIDs()
		if len(ids) == 0 {
			return DeleteOneResult{Acknowledged: true}, nil
		}
		targetID = ids[0]
	}
	delete(c.documents, targetID)
	c.dirty = true
	return DeleteOneResult{DeletedCount: 1, Acknowledged: true}, nil
}

// InsertOne assigns an _id if missing and inserts doc, wrapped in the full
// CollectionCoordinator protocol (lock, token check, reload, apply, save,
// index update, release).
func (c *Collection) InsertOne(ctx context.Context, doc Document) (InsertOneResult, error) {
	if doc == nil {
		doc = Document{}
	}
	var result InsertOneResult
	err := c.coordinator.Do(ctx, c, "insertOne", func(_ context.Context, col *Collection) error {
		r, err := col.insertApply(doc)
		result = r
		return err
	})
	return result, err
}

// UpdateOne matches one document via the gated filter and applies update
// (a replacement or an update-operator document), wrapped in the full
// CollectionCoordinator protocol.
func (c *Collection) UpdateOne(ctx context.Context, filter, update Document) (UpdateOneResult, error) {
	if err := validateFilterGate(filter); err != nil {
		return UpdateOneResult{}, err
	}
	if len(update) == 0 {
		return UpdateOneResult{}, newErr(KindInvalidArgument, "update document must not be empty")
	}
	var result UpdateOneResult
	err := c.coordinator.Do(ctx, c, "updateOne", func(_ context.Context, col *Collection) error {
		r, err := col.updateApply(filter, update)
		result = r
		return err
	})
	return result, err
}

// DeleteOne deletes the one document matching the gated filter, wrapped in
// the full CollectionCoordinator protocol.
func (c *Collection) DeleteOne(ctx context.Context, filter Document) (DeleteOneResult, error) {
	if err := validateFilterGate(filter); err != nil {
		return DeleteOneResult{}, err
	}
	var result DeleteOneResult
	err := c.coordinator.Do(ctx, c, "deleteOne", func(_ context.Context, col *Collection) error {
		r, err := col.deleteApply(filter)
		result = r
		return err
	})
	return result, err
}
