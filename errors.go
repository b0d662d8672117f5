package blobdoc

import (
	"errors"
	"fmt"
	"time"
)

// Kind tags the category of an error raised by the database. Callers should
// use IsKind (or errors.As and the Kind field) rather than string-matching
// messages.
type Kind string

const (
	KindInvalidArgument       Kind = "INVALID_ARGUMENT"
	KindInvalidQuery          Kind = "INVALID_QUERY"
	KindDocumentNotFound      Kind = "DOCUMENT_NOT_FOUND"
	KindDuplicateKey          Kind = "DUPLICATE_KEY"
	KindCollectionNotFound    Kind = "COLLECTION_NOT_FOUND"
	KindFileIOError           Kind = "FILE_IO_ERROR"
	KindFileNotFound          Kind = "FILE_NOT_FOUND"
	KindPermissionDenied      Kind = "PERMISSION_DENIED"
	KindQuotaExceeded         Kind = "QUOTA_EXCEEDED"
	KindInvalidFileFormat     Kind = "INVALID_FILE_FORMAT"
	KindLockTimeout           Kind = "LOCK_TIMEOUT"
	KindLockAcquisitionFailed Kind = "LOCK_ACQUISITION_FAILURE"
	KindModificationConflict  Kind = "MODIFICATION_CONFLICT"
	KindConflictError         Kind = "CONFLICT_ERROR"
	KindCoordinationTimeout   Kind = "COORDINATION_TIMEOUT"
	KindMasterIndexError      Kind = "MASTER_INDEX_ERROR"
	KindConfigurationError    Kind = "CONFIGURATION_ERROR"
	KindOperationError        Kind = "OPERATION_ERROR"
)

// Error is the structured error type returned across the public surface.
// Context carries small diagnostic key/value pairs (resource names, tokens,
// operation names); Timestamp is captured at construction.
type Error struct {
	Kind      Kind
	Message   string
	Context   map[string]any
	Timestamp time.Time
	cause     error
}

func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s %v", e.Kind, e.Message, e.Context)
}

func (e *Error) Unwrap() error { return e.cause }

// newErr builds an *Error, attaching context pairs given as alternating
// key/value arguments (e.g. newErr(KindDuplicateKey, "id already exists", "_id", id)).
func newErr(kind Kind, message string, kv ...any) *Error {
	e := &Error{Kind: kind, Message: message, Timestamp: time.Now()}
	if len(kv) > 0 {
		e.Context = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				continue
			}
			e.Context[key] = kv[i+1]
		}
	}
	return e
}

func wrapErr(kind Kind, message string, cause error, kv ...any) *Error {
	e := newErr(kind, message, kv...)
	e.cause = cause
	return e
}

// IsKind reports whether err is, or wraps, a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// --- validation helpers ------------------------------------------------

func requireNonEmpty(name, value string) error {
	if value == "" {
		return newErr(KindInvalidArgument, "must not be empty", "argument", name)
	}
	return nil
}

func requireNonNil(name string, value any) error {
	if value == nil {
		return newErr(KindInvalidArgument, "must not be nil", "argument", name)
	}
	return nil
}
