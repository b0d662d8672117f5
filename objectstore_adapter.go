package blobdoc

import (
	"context"

	"github.com/kartikbazzad/bunbase/blobdoc/objectstore"
)

// storeAdapter is a typed wrapper over objectstore.Store that retries
// transient failures with exponential backoff and translates the store's
// error taxonomy into this package's Kind set.
type storeAdapter struct {
	store  objectstore.Store
	policy RetryPolicy
}

func newStoreAdapter(store objectstore.Store, policy RetryPolicy) *storeAdapter {
	return &storeAdapter{store: store, policy: policy}
}

func (a *storeAdapter) createFile(ctx context.Context, folderID, name string, content []byte) (string, error) {
	var id string
	err := a.policy.Run(ctx, objectstore.Transient, func() error {
		var err error
		id, err = a.store.CreateFile(ctx, folderID, name, content)
		return err
	})
	if err != nil {
		return "", translateStoreErr(err)
	}
	return id, nil
}

func (a *storeAdapter) readFile(ctx context.Context, fileID string) ([]byte, error) {
	var data []byte
	err := a.policy.Run(ctx, objectstore.Transient, func() error {
		var err error
		data, err = a.store.ReadFile(ctx, fileID)
		return err
	})
	if err != nil {
		return nil, translateStoreErr(err)
	}
	return data, nil
}

func (a *storeAdapter) updateFile(ctx context.Context, fileID string, content []byte) error {
	err := a.policy.Run(ctx, objectstore.Transient, func() error {
		return a.store.UpdateFile(ctx, fileID, content)
	})
	if err != nil {
		return translateStoreErr(err)
	}
	return nil
}

func (a *storeAdapter) deleteFile(ctx context.Context, fileID string) error {
	err := a.policy.Run(ctx, objectstore.Transient, func() error {
		return a.store.DeleteFile(ctx, fileID)
	})
	if err != nil {
		return translateStoreErr(err)
	}
	return nil
}

func (a *storeAdapter) fileExists(ctx context.Context, fileID string) (bool, error) {
	var exists bool
	err := a.policy.Run(ctx, objectstore.Transient, func() error {
		var err error
		exists, err = a.store.FileExists(ctx, fileID)
		return err
	})
	if err != nil {
		return false, translateStoreErr(err)
	}
	return exists, nil
}

// translateStoreErr maps an objectstore.Error onto the database's own Kind
// taxonomy so callers of Collection/Database never need to import the
// objectstore package to interpret an error.
func translateStoreErr(err error) error {
	se, ok := err.(*objectstore.Error)
	if !ok {
		return wrapErr(KindFileIOError, "object store operation failed", err)
	}
	switch se.Kind {
	case objectstore.ErrFileNotFound:
		return wrapErr(KindFileNotFound, se.Message, err, "fileId", se.FileID)
	case objectstore.ErrPermissionDenied:
		return wrapErr(KindPermissionDenied, se.Message, err, "fileId", se.FileID)
	case objectstore.ErrQuotaExceeded:
		return wrapErr(KindQuotaExceeded, se.Message, err, "fileId", se.FileID)
	case objectstore.ErrInvalidFormat:
		return wrapErr(KindInvalidFileFormat, se.Message, err, "fileId", se.FileID)
	default:
		return wrapErr(KindFileIOError, se.Message, err, "fileId", se.FileID)
	}
}
