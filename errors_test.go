package blobdoc

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorCarriesKindMessageAndContext(t *testing.T) {
	err := newErr(KindDuplicateKey, "document with this _id already exists", "_id", "u1")
	if !IsKind(err, KindDuplicateKey) {
		t.Fatalf("expected KindDuplicateKey")
	}
	if err.Context["_id"] != "u1" {
		t.Fatalf("expected _id in context, got %v", err.Context)
	}
	if err.Timestamp.IsZero() {
		t.Fatalf("expected construction timestamp")
	}
	msg := err.Error()
	if !strings.Contains(msg, "DUPLICATE_KEY") || !strings.Contains(msg, "u1") {
		t.Fatalf("unexpected error string: %s", msg)
	}
}

func TestWrapErrUnwraps(t *testing.T) {
	cause := errors.New("underlying")
	err := wrapErr(KindFileIOError, "write failed", cause, "fileId", "f1")
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable via errors.Is")
	}
	if IsKind(cause, KindFileIOError) {
		t.Fatalf("IsKind must not match a plain error")
	}
}

func TestValidateModificationToken(t *testing.T) {
	if err := ValidateModificationToken("tok"); err != nil {
		t.Fatalf("expected non-empty token to validate, got %v", err)
	}
	if err := ValidateModificationToken(""); !IsKind(err, KindInvalidArgument) {
		t.Fatalf("expected KindInvalidArgument for empty token, got %v", err)
	}
}
