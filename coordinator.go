package blobdoc

import (
	"context"
	"fmt"
	"time"

	"github.com/kartikbazzad/bunbase/blobdoc/internal/logx"
)

// CollectionCoordinator wraps every mutating Collection operation in a
// virtual transaction against the MasterIndex: it is the only component
// that acquires/releases virtual locks and verifies modification tokens,
// so Collection itself never has to know about cross-process coordination.
type CollectionCoordinator struct {
	masterIndex *MasterIndex
	ids         IDGenerator
	clock       Clock
	lockPolicy  RetryPolicy
	timeout     time.Duration
	log         *logx.Logger
}

func newCollectionCoordinator(masterIndex *MasterIndex, ids IDGenerator, clock Clock, lockPolicy RetryPolicy, timeout time.Duration, log *logx.Logger) *CollectionCoordinator {
	return &CollectionCoordinator{masterIndex: masterIndex, ids: ids, clock: clock, lockPolicy: lockPolicy, timeout: timeout, log: log}
}

// Do runs apply against col under the full coordination protocol: expired-
// lock cleanup, token capture, lock acquisition with retry/backoff, token
// re-verification, forced blob reload, mutation, blob write, index update,
// and guaranteed lock release. operation names the modificationHistory
// entry (e.g. "insertOne", "updateOne", "deleteOne").
func (co *CollectionCoordinator) Do(ctx context.Context, col *Collection, operation string, apply func(ctx context.Context, col *Collection) error) error {
	ctx, cancel := context.WithTimeout(ctx, co.timeout)
	defer cancel()

	// Cleanup duty: opportunistically clear expired locks before acquiring
	// one.
	if _, err := co.masterIndex.CleanupExpiredLocks(ctx); err != nil {
		return err
	}

	// Step 1: read current metadata fresh from the property bag, capture
	// expectedToken. A cached record would make conflict detection compare
	// against this process's stale view instead of the shared state.
	if err := co.masterIndex.ForceReload(ctx); err != nil {
		return err
	}
	meta, exists, err := co.masterIndex.GetCollection(ctx, col.name)
	if err != nil {
		return err
	}
	if !exists {
		return newErr(KindCollectionNotFound, "collection not registered", "name", col.name)
	}
	expectedToken := meta.ModificationToken

	// Step 2: acquire the lock with retry/backoff.
	operationID := fmt.Sprintf("%s-%d", co.ids.NewID(), co.clock.Now().UnixNano())
	acquired := false
	retryErr := co.lockPolicy.Run(ctx, func(error) bool { return true }, func() error {
		ok, err := co.masterIndex.AcquireCollectionLock(ctx, col.name, operationID)
		if err != nil {
			return err
		}
		if !ok {
			return newErr(KindLockAcquisitionFailed, "collection lock held by another operation", "collection", col.name)
		}
		acquired = true
		return nil
	})
	if ctx.Err() != nil {
		return newErr(KindCoordinationTimeout, "coordination deadline exceeded acquiring lock", "collection", col.name)
	}
	if !acquired {
		if retryErr != nil {
			return retryErr
		}
		return newErr(KindLockAcquisitionFailed, "failed to acquire collection lock", "collection", col.name)
	}

	co.log.Debug("acquired lock on %q as %s", col.name, operationID)

	// Guaranteed release on every exit path.
	defer func() {
		if _, relErr := co.masterIndex.ReleaseCollectionLock(context.Background(), col.name, operationID); relErr != nil {
			co.log.Warn("failed to release lock for %s: %v", col.name, relErr)
		}
	}()

	// Step 3: re-read metadata; a token mismatch against step 1 is a
	// modification conflict.
	if err := co.masterIndex.ForceReload(ctx); err != nil {
		return co.deadlineErr(ctx, col, err)
	}
	meta2, exists, err := co.masterIndex.GetCollection(ctx, col.name)
	if err != nil {
		return co.deadlineErr(ctx, col, err)
	}
	if !exists {
		return newErr(KindCollectionNotFound, "collection not registered", "name", col.name)
	}
	if meta2.ModificationToken != expectedToken {
		// One reload before giving up: the mismatch may be this process's
		// own stale view rather than a rival's write. If it persists, the
		// conflict is real and propagates without a blob write.
		if err := co.masterIndex.ForceReload(ctx); err != nil {
			return err
		}
		meta2, exists, err = co.masterIndex.GetCollection(ctx, col.name)
		if err != nil {
			return err
		}
		if !exists {
			return newErr(KindCollectionNotFound, "collection not registered", "name", col.name)
		}
		if meta2.ModificationToken != expectedToken {
			co.log.Warn("modification conflict on %q during %s: token moved from %s to %s", col.name, operation, expectedToken, meta2.ModificationToken)
			return newErr(KindModificationConflict, "modification token changed since read", "collection", col.name, "expected", expectedToken, "actual", meta2.ModificationToken)
		}
	}

	// Step 4: force-reload the collection blob, discarding in-memory state.
	col.mu.Lock()
	defer col.mu.Unlock()
	col.metadata.FileID = meta2.FileID
	if err := col.ensureLoaded(ctx, true); err != nil {
		return co.deadlineErr(ctx, col, err)
	}

	// Step 5: apply the mutation.
	if err := apply(ctx, col); err != nil {
		return err
	}
	newToken := co.masterIndex.GenerateModificationToken()
	col.metadata.ModificationToken = newToken
	col.metadata.LastUpdated = co.clock.Now()
	col.metadata.DocumentCount = len(col.documents)

	// Step 6: write the blob back. On failure, propagate (lock releases via
	// defer regardless).
	if err := col.save(ctx); err != nil {
		return co.deadlineErr(ctx, col, err)
	}

	// Step 7: update MasterIndex metadata with the new token, document
	// count, and lastUpdated.
	count := col.metadata.DocumentCount
	lastUpdated := col.metadata.LastUpdated
	if err := co.masterIndex.UpdateCollectionMetadata(ctx, col.name, operation, func(m *CollectionMetadata) {
		m.ModificationToken = newToken
		m.DocumentCount = count
		m.LastUpdated = lastUpdated
	}); err != nil {
		return co.deadlineErr(ctx, col, err)
	}

	// Step 8: lock release happens in the deferred function above.
	return nil
}

// deadlineErr translates a failure observed after the operation's deadline
// expired into COORDINATION_TIMEOUT. The deferred lock release still runs
// against a fresh context.
func (co *CollectionCoordinator) deadlineErr(ctx context.Context, col *Collection, err error) error {
	if ctx.Err() != nil {
		return newErr(KindCoordinationTimeout, "coordination deadline exceeded", "collection", col.name)
	}
	return err
}
