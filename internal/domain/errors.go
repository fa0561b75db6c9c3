package domain

import "errors"

// Sentinel errors for catalog operations
var (
	// ErrNotFound indicates the server reported the entity as gone (404).
	ErrNotFound = errors.New("entity not found on server")

	// ErrServerOffline indicates the catalog server is unreachable.
	ErrServerOffline = errors.New("catalog server is unreachable")

	// ErrAuthFailed indicates the API key was rejected.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrStoreClosed indicates an operation on a closed entity store.
	ErrStoreClosed = errors.New("entity store is closed")

	// ErrMigrationFailed indicates the store could not be brought to the
	// target schema version; the store must not be used.
	ErrMigrationFailed = errors.New("schema migration failed")
)
