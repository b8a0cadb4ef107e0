package broker

import (
	"errors"
	"fmt"
)

// Status is the broker's closed error enum. Every client-visible reply
// carries exactly one of these; backend errors are mapped onto it at
// the boundary rather than propagated as opaque errors.
type Status int

// EOK is the zero value so a freshly zeroed Status reads as success.
const (
	EOK Status = iota
	ENOENT
	EBUSY
	ENOMEM
	EINVAL
	EPERM
	EBADF
	EEXIST
	ENOTSUP
	EIO
	EOVERFLOW
)

var statusNames = [...]string{
	EOK:       "EOK",
	ENOENT:    "ENOENT",
	EBUSY:     "EBUSY",
	ENOMEM:    "ENOMEM",
	EINVAL:    "EINVAL",
	EPERM:     "EPERM",
	EBADF:     "EBADF",
	EEXIST:    "EEXIST",
	ENOTSUP:   "ENOTSUP",
	EIO:       "EIO",
	EOVERFLOW: "EOVERFLOW",
}

func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// Error lets Status satisfy the error interface directly, so a bare
// EBADF etc. can be returned wherever the dispatcher has no extra
// context to add.
func (s Status) Error() string {
	return s.String()
}

// statusError pairs a Status with a formatted message, still matching
// errors.Is(err, EBADF) via Unwrap.
type statusError struct {
	status Status
	msg    string
}

func (e *statusError) Error() string { return e.msg }
func (e *statusError) Unwrap() error { return e.status }

// Errorf builds an error carrying status that also renders a
// human-readable message, the way the dispatcher reports context
// (which fd, which path) alongside the status code.
func Errorf(status Status, format string, args ...any) error {
	return &statusError{status: status, msg: fmt.Sprintf(format, args...) + ": " + status.String()}
}

// StatusOf extracts the Status an error carries, defaulting to EIO for
// errors that didn't originate in this package — a stuck or
// misbehaving backend is treated as a fatal condition for the
// client-visible operation.
func StatusOf(err error) Status {
	if err == nil {
		return EOK
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.status
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return EIO
}

// SplitU64 splits a 64-bit argument into little-endian low/high 32-bit
// words, for transports whose argument channel is limited to 32 bits
// per slot.
func SplitU64(v uint64) (lo, hi uint32) {
	return uint32(v), uint32(v >> 32)
}

// JoinU64 reconstructs a 64-bit value from the low/high words produced
// by SplitU64.
func JoinU64(lo, hi uint32) uint64 {
	return uint64(lo) | uint64(hi)<<32
}
