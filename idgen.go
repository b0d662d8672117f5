package blobdoc

import (
	"time"

	"github.com/google/uuid"
)

// IDGenerator produces opaque, high-entropy identifiers. Injected at
// construction so components never reach for a process-wide singleton.
type IDGenerator interface {
	NewID() string
}

type uuidGenerator struct{}

func (uuidGenerator) NewID() string { return uuid.NewString() }

// DefaultIDGenerator is the process-wide default, safe for concurrent use
// (uuid.NewString has no shared mutable state requiring injection beyond
// this single stateless value).
var DefaultIDGenerator IDGenerator = uuidGenerator{}

// Clock abstracts wall-clock time so lock-expiry and timestamp logic is
// testable without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// DefaultClock is the real wall clock.
var DefaultClock Clock = systemClock{}
