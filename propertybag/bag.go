// Package propertybag defines the interface blobdoc uses for the shared
// key-value registry that holds the single MasterIndex record.
package propertybag

import "context"

// Bag is the external property-bag collaborator. Implementations must make
// SetProperty atomic with respect to other callers writing the same key;
// the MasterIndex persistence protocol relies on that, not on
// compare-and-set.
type Bag interface {
	// GetProperty returns the string value stored at key, or ok == false if
	// the key has never been set.
	GetProperty(ctx context.Context, key string) (value string, ok bool, err error)

	// SetProperty atomically replaces the value stored at key.
	SetProperty(ctx context.Context, key, value string) error

	// DeleteProperty removes key. Deleting an absent key is not an error.
	DeleteProperty(ctx context.Context, key string) error
}
