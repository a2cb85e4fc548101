package types

import "errors"

// Sentinel errors shared across the storage and lifecycle layers.
// Gate rejections are NOT errors; they are typed results (see internal/gate).
var (
	// ErrNotFound means the agent has no live configuration. Bootstrap via
	// SeedConfiguration is a precondition, not handled by the engine.
	ErrNotFound = errors.New("configuration not found")

	// ErrProposalNotFound means no proposal row exists for the given id.
	ErrProposalNotFound = errors.New("proposal not found")

	// ErrConcurrentModification means the configuration version read at the
	// start of an applyChange no longer matched at write time. Transient;
	// callers retry with backoff.
	ErrConcurrentModification = errors.New("concurrent configuration modification")

	// ErrVersionNotFound means a rollback targeted a version with no snapshot.
	ErrVersionNotFound = errors.New("snapshot version not found")

	// ErrApplyFailed means an approved proposal exhausted its apply retries
	// and is parked as approved-not-applied for operator reconciliation.
	ErrApplyFailed = errors.New("configuration apply failed after retries")
)
