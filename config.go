package blobdoc

import "time"

// Config configures a Database instance. Every field has a default and is
// validated at construction.
type Config struct {
	// RootFolderID scopes where collection blobs are created in the object
	// store. Empty means the store's root.
	RootFolderID string

	// AutoCreateCollections, when true, lazily creates a collection on first
	// GetCollection rather than requiring an explicit CreateCollection.
	AutoCreateCollections bool

	// LockTimeout bounds how long a virtual lock is considered held before
	// it is eligible to be stolen by another process.
	LockTimeout time.Duration

	// RetryAttempts/RetryDelay/RetryBackoffBase parameterise the lock
	// acquisition retry loop in CollectionCoordinator.
	RetryAttempts    int
	RetryDelay       time.Duration
	RetryBackoffBase float64

	// CacheEnabled toggles whether a Collection keeps its loaded documents
	// in memory between operations, or reloads on every access.
	CacheEnabled bool

	// LogLevel controls the verbosity of the internal logx.Logger.
	LogLevel LogLevel

	// FileRetryAttempts/FileRetryDelay/FileRetryBackoffBase parameterise the
	// object-store adapter's retry policy. Distinct from RetryAttempts et
	// al.: the two policies share a shape, never a value.
	FileRetryAttempts    int
	FileRetryDelay       time.Duration
	FileRetryBackoffBase float64

	// QueryEngineMaxNestedDepth bounds filter nesting in the QueryEngine's
	// validation pipeline; update documents are not depth-checked.
	QueryEngineMaxNestedDepth int

	// QueryEngineSupportedOperators is the operator allow-list enforced by
	// the QueryEngine's validation pipeline.
	QueryEngineSupportedOperators map[string]bool

	// QueryEngineLogicalOperators must be a subset of
	// QueryEngineSupportedOperators.
	QueryEngineLogicalOperators map[string]bool

	// MasterIndexKey is the property-bag key under which the MasterIndex
	// record is stored.
	MasterIndexKey string

	// BackupOnInitialise, when true, writes a backup index blob during
	// Database.Open.
	BackupOnInitialise bool

	// StripDisallowedCollectionNameCharacters controls whether
	// Database.CreateCollection strips path separators/control characters
	// from a collection name (true) or rejects the name outright (false).
	StripDisallowedCollectionNameCharacters bool

	// CoordinationTimeout bounds the whole of CollectionCoordinator.Do.
	// Defaults to larger than LockTimeout plus the maximum retry backoff.
	CoordinationTimeout time.Duration
}

// LogLevel mirrors internal/logx.Level without importing it, so Config has
// no internal import cycle risk.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// DefaultConfig returns a Config populated with every field's default.
func DefaultConfig() *Config {
	return &Config{
		AutoCreateCollections:                   true,
		LockTimeout:                             30 * time.Second,
		RetryAttempts:                           3,
		RetryDelay:                              1 * time.Second,
		RetryBackoffBase:                        2,
		CacheEnabled:                            true,
		LogLevel:                                LogInfo,
		FileRetryAttempts:                       3,
		FileRetryDelay:                          1 * time.Second,
		FileRetryBackoffBase:                    2,
		QueryEngineMaxNestedDepth:               10,
		QueryEngineSupportedOperators:           map[string]bool{"$eq": true, "$gt": true, "$lt": true, "$and": true, "$or": true},
		QueryEngineLogicalOperators:             map[string]bool{"$and": true, "$or": true},
		MasterIndexKey:                          "GASDB_MASTER_INDEX",
		BackupOnInitialise:                      false,
		StripDisallowedCollectionNameCharacters: false,
		CoordinationTimeout:                     45 * time.Second,
	}
}

// Validate checks every field's constraints, returning a KindConfigurationError
// *Error describing the first violation found.
func (c *Config) Validate() error {
	if c.LockTimeout < 500*time.Millisecond {
		return newErr(KindConfigurationError, "lockTimeout must be at least 500ms", "lockTimeout", c.LockTimeout)
	}
	if c.RetryAttempts <= 0 {
		return newErr(KindConfigurationError, "retryAttempts must be positive", "retryAttempts", c.RetryAttempts)
	}
	if c.RetryDelay < 0 {
		return newErr(KindConfigurationError, "retryDelayMs must be non-negative", "retryDelay", c.RetryDelay)
	}
	if c.RetryBackoffBase <= 0 {
		return newErr(KindConfigurationError, "lockRetryBackoffBase must be positive", "lockRetryBackoffBase", c.RetryBackoffBase)
	}
	if c.FileRetryAttempts <= 0 {
		return newErr(KindConfigurationError, "fileRetryAttempts must be positive", "fileRetryAttempts", c.FileRetryAttempts)
	}
	if c.FileRetryDelay < 0 {
		return newErr(KindConfigurationError, "fileRetryDelayMs must be non-negative", "fileRetryDelay", c.FileRetryDelay)
	}
	if c.FileRetryBackoffBase <= 0 {
		return newErr(KindConfigurationError, "fileRetryBackoffBase must be positive", "fileRetryBackoffBase", c.FileRetryBackoffBase)
	}
	if c.QueryEngineMaxNestedDepth < 0 {
		return newErr(KindConfigurationError, "queryEngineMaxNestedDepth must be non-negative", "queryEngineMaxNestedDepth", c.QueryEngineMaxNestedDepth)
	}
	if len(c.QueryEngineSupportedOperators) == 0 {
		return newErr(KindConfigurationError, "queryEngineSupportedOperators must not be empty")
	}
	if len(c.QueryEngineLogicalOperators) == 0 {
		return newErr(KindConfigurationError, "queryEngineLogicalOperators must not be empty")
	}
	for op := range c.QueryEngineLogicalOperators {
		if !c.QueryEngineSupportedOperators[op] {
			return newErr(KindConfigurationError, "queryEngineLogicalOperators must be a subset of queryEngineSupportedOperators", "operator", op)
		}
	}
	if c.MasterIndexKey == "" {
		return newErr(KindConfigurationError, "masterIndexKey must not be empty")
	}
	return nil
}
