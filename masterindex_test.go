package blobdoc

import (
	"context"
	"testing"
	"time"

	"github.com/kartikbazzad/bunbase/blobdoc/propertybag/membag"
)

func newTestMasterIndex(clock Clock) *MasterIndex {
	return NewMasterIndex(membag.New(), "TEST_MASTER_INDEX", 2*time.Second, &seqIDGenerator{}, clock)
}

func TestMasterIndexAddAndGetCollection(t *testing.T) {
	ctx := context.Background()
	mi := newTestMasterIndex(DefaultClock)

	meta := CollectionMetadata{Name: "users", FileID: "f1", ModificationToken: "t1"}
	if err := mi.AddCollection(ctx, "users", meta); err != nil {
		t.Fatalf("AddCollection: %v", err)
	}
	if err := mi.AddCollection(ctx, "users", meta); !IsKind(err, KindInvalidArgument) {
		t.Fatalf("expected KindInvalidArgument on duplicate add, got %v", err)
	}

	got, ok, err := mi.GetCollection(ctx, "users")
	if err != nil || !ok {
		t.Fatalf("GetCollection: ok=%v err=%v", ok, err)
	}
	if got.FileID != "f1" {
		t.Fatalf("expected fileId f1, got %q", got.FileID)
	}

	if _, ok, _ := mi.GetCollection(ctx, "missing"); ok {
		t.Fatalf("expected missing collection to report ok=false")
	}
}

func TestMasterIndexRemoveCollection(t *testing.T) {
	ctx := context.Background()
	mi := newTestMasterIndex(DefaultClock)
	_ = mi.AddCollection(ctx, "users", CollectionMetadata{Name: "users", FileID: "f1"})

	removed, err := mi.RemoveCollection(ctx, "users")
	if err != nil || !removed {
		t.Fatalf("RemoveCollection: removed=%v err=%v", removed, err)
	}
	removed, err = mi.RemoveCollection(ctx, "users")
	if err != nil || removed {
		t.Fatalf("expected second remove to report false, got removed=%v err=%v", removed, err)
	}
}

func TestMasterIndexUpdateCollectionMetadataAppendsHistory(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Unix(0, 0))
	mi := newTestMasterIndex(clock)
	_ = mi.AddCollection(ctx, "users", CollectionMetadata{Name: "users", FileID: "f1", ModificationToken: "t0"})

	for i := 0; i < masterIndexHistoryLimit+5; i++ {
		token := mi.GenerateModificationToken()
		clock.Advance(time.Second)
		if err := mi.UpdateCollectionMetadata(ctx, "users", "updateOne", func(m *CollectionMetadata) {
			m.ModificationToken = token
		}); err != nil {
			t.Fatalf("UpdateCollectionMetadata: %v", err)
		}
	}

	hist, err := mi.GetModificationHistory(ctx, "users")
	if err != nil {
		t.Fatalf("GetModificationHistory: %v", err)
	}
	if len(hist) != masterIndexHistoryLimit {
		t.Fatalf("expected history bounded to %d entries, got %d", masterIndexHistoryLimit, len(hist))
	}

	if err := mi.UpdateCollectionMetadata(ctx, "missing", "updateOne", func(*CollectionMetadata) {}); !IsKind(err, KindCollectionNotFound) {
		t.Fatalf("expected KindCollectionNotFound for unknown collection, got %v", err)
	}
}

func TestMasterIndexLockLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Unix(0, 0))
	mi := newTestMasterIndex(clock)
	_ = mi.AddCollection(ctx, "users", CollectionMetadata{Name: "users", FileID: "f1"})

	ok, err := mi.AcquireCollectionLock(ctx, "users", "op-1")
	if err != nil || !ok {
		t.Fatalf("first acquire should succeed: ok=%v err=%v", ok, err)
	}

	ok, err = mi.AcquireCollectionLock(ctx, "users", "op-2")
	if err != nil || ok {
		t.Fatalf("second acquire should fail while held: ok=%v err=%v", ok, err)
	}

	locked, err := mi.IsCollectionLocked(ctx, "users")
	if err != nil || !locked {
		t.Fatalf("expected locked=true, got %v err=%v", locked, err)
	}

	released, err := mi.ReleaseCollectionLock(ctx, "users", "op-2")
	if err != nil || released {
		t.Fatalf("release by non-owner should fail: released=%v err=%v", released, err)
	}

	released, err = mi.ReleaseCollectionLock(ctx, "users", "op-1")
	if err != nil || !released {
		t.Fatalf("release by owner should succeed: released=%v err=%v", released, err)
	}

	locked, _ = mi.IsCollectionLocked(ctx, "users")
	if locked {
		t.Fatalf("expected locked=false after release")
	}
}

func TestMasterIndexLockStealAfterTimeout(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Unix(0, 0))
	mi := newTestMasterIndex(clock)
	_ = mi.AddCollection(ctx, "users", CollectionMetadata{Name: "users", FileID: "f1"})

	ok, err := mi.AcquireCollectionLock(ctx, "users", "op-1")
	if err != nil || !ok {
		t.Fatalf("first acquire should succeed: ok=%v err=%v", ok, err)
	}

	// Before the lock timeout elapses, a second operation cannot steal it.
	clock.Advance(1 * time.Second)
	if ok, _ := mi.AcquireCollectionLock(ctx, "users", "op-2"); ok {
		t.Fatalf("acquire before timeout should fail")
	}

	// Past the lock timeout, any operation may steal the stale lock.
	clock.Advance(2 * time.Second)
	ok, err = mi.AcquireCollectionLock(ctx, "users", "op-2")
	if err != nil || !ok {
		t.Fatalf("acquire after timeout should steal the stale lock: ok=%v err=%v", ok, err)
	}

	// The original holder can no longer release a lock it no longer holds.
	released, err := mi.ReleaseCollectionLock(ctx, "users", "op-1")
	if err != nil || released {
		t.Fatalf("stale owner release should fail: released=%v err=%v", released, err)
	}

	snap, err := mi.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got := snap.Collections["users"].LockStatus.LockedBy; got != "op-2" {
		t.Fatalf("expected the stealer to own the lock, got %q", got)
	}
}

func TestMasterIndexCleanupExpiredLocks(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Unix(0, 0))
	mi := newTestMasterIndex(clock)
	_ = mi.AddCollection(ctx, "a", CollectionMetadata{Name: "a", FileID: "fa"})
	_ = mi.AddCollection(ctx, "b", CollectionMetadata{Name: "b", FileID: "fb"})

	_, _ = mi.AcquireCollectionLock(ctx, "a", "op-1")
	_, _ = mi.AcquireCollectionLock(ctx, "b", "op-2")

	cleared, err := mi.CleanupExpiredLocks(ctx)
	if err != nil || cleared {
		t.Fatalf("nothing should be expired yet: cleared=%v err=%v", cleared, err)
	}

	clock.Advance(3 * time.Second)
	cleared, err = mi.CleanupExpiredLocks(ctx)
	if err != nil || !cleared {
		t.Fatalf("expected both locks to be cleared: cleared=%v err=%v", cleared, err)
	}

	lockedA, _ := mi.IsCollectionLocked(ctx, "a")
	lockedB, _ := mi.IsCollectionLocked(ctx, "b")
	if lockedA || lockedB {
		t.Fatalf("expected both locks cleared, got a=%v b=%v", lockedA, lockedB)
	}
}

func TestMasterIndexConflictDetection(t *testing.T) {
	ctx := context.Background()
	mi := newTestMasterIndex(DefaultClock)
	_ = mi.AddCollection(ctx, "users", CollectionMetadata{Name: "users", FileID: "f1", ModificationToken: "t0"})

	hasConflict, err := mi.HasConflict(ctx, "users", "t0")
	if err != nil || hasConflict {
		t.Fatalf("expected no conflict against current token: %v err=%v", hasConflict, err)
	}

	_ = mi.UpdateCollectionMetadata(ctx, "users", "updateOne", func(m *CollectionMetadata) { m.ModificationToken = "t1" })

	hasConflict, err = mi.HasConflict(ctx, "users", "t0")
	if err != nil || !hasConflict {
		t.Fatalf("expected conflict against stale token: %v err=%v", hasConflict, err)
	}

	resolution, err := mi.ResolveConflict(ctx, "users", CollectionMetadata{Name: "users", FileID: "f1", DocumentCount: 7})
	if err != nil || !resolution.Success {
		t.Fatalf("ResolveConflict: %+v err=%v", resolution, err)
	}
	if resolution.Data.ModificationToken == "t1" {
		t.Fatalf("ResolveConflict should assign a fresh token")
	}
}

func TestMasterIndexListNamesSorted(t *testing.T) {
	ctx := context.Background()
	mi := newTestMasterIndex(DefaultClock)
	_ = mi.AddCollection(ctx, "zeta", CollectionMetadata{Name: "zeta", FileID: "fz"})
	_ = mi.AddCollection(ctx, "alpha", CollectionMetadata{Name: "alpha", FileID: "fa"})

	names, err := mi.ListNames(ctx)
	if err != nil {
		t.Fatalf("ListNames: %v", err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Fatalf("expected sorted [alpha zeta], got %v", names)
	}
}

func TestMasterIndexCorruptRecordLeftUnchanged(t *testing.T) {
	ctx := context.Background()
	bag := membag.New()
	_ = bag.SetProperty(ctx, "TEST_MASTER_INDEX", "not json")

	mi := NewMasterIndex(bag, "TEST_MASTER_INDEX", time.Second, &seqIDGenerator{}, DefaultClock)
	// Prime the in-memory record with a known-good collection before the
	// corrupt load attempt, simulating a process that already had state.
	mi.record.Collections["users"] = CollectionMetadata{Name: "users", FileID: "f1"}
	mi.loaded = true

	if err := mi.ensureLoaded(ctx, true); err == nil {
		t.Fatalf("expected corrupt record to surface an error")
	}
	meta, ok := mi.record.Collections["users"]
	if !ok || meta.FileID != "f1" {
		t.Fatalf("expected in-memory record to remain unchanged on corrupt read, got %+v ok=%v", meta, ok)
	}
}

func TestMasterIndexRestoredVersionAndReplace(t *testing.T) {
	ctx := context.Background()
	mi := newTestMasterIndex(DefaultClock)
	_ = mi.AddCollection(ctx, "users", CollectionMetadata{Name: "users", FileID: "f1"})

	v1, err := mi.Version(ctx)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}

	if err := mi.Replace(ctx, map[string]CollectionMetadata{
		"restored": {Name: "restored", FileID: "fr"},
	}); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	v2, err := mi.Version(ctx)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v2 <= v1 {
		t.Fatalf("expected version to increase after Replace, got %d -> %d", v1, v2)
	}

	if _, ok, _ := mi.GetCollection(ctx, "users"); ok {
		t.Fatalf("expected users to be gone after Replace")
	}
	if _, ok, _ := mi.GetCollection(ctx, "restored"); !ok {
		t.Fatalf("expected restored to be present after Replace")
	}
}
