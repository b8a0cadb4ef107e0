package backend

import "errors"

// Sentinel errors a Backend implementation returns from Lookup (and,
// for ErrUnsupportedChild, from Mount) so the broker can map them onto
// its own status enum without backend needing to depend on the broker
// package.
var (
	ErrNotFound         = errors.New("backend: not found")
	ErrExists           = errors.New("backend: already exists")
	ErrNotDirectory     = errors.New("backend: not a directory")
	ErrIsDirectory      = errors.New("backend: is a directory")
	ErrNotEmpty         = errors.New("backend: directory not empty")
	ErrStaleNode        = errors.New("backend: stale node reference")
	ErrUnsupportedChild = errors.New("backend: child connection type not supported by this backend")
)
