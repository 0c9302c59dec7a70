// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken on a site).
	ErrAlreadyExists = errors.New("already exists")

	// ErrLedgerInconsistency indicates local ledger rows that reference state which no longer exists,
	// such as an account whose site was removed or which has no remote id.
	ErrLedgerInconsistency = errors.New("ledger inconsistency")

	// ErrSettingsMissing indicates quota settings are absent; jobs that need them abort.
	ErrSettingsMissing = errors.New("settings missing")

	// ErrInvalidArgument indicates caller input rejected before touching storage or devices.
	ErrInvalidArgument = errors.New("invalid argument")
)
