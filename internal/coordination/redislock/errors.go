package redislock

import "errors"

// ErrLockTimeout is returned when a mutex could not be acquired within its
// retry budget (spec.md §7).
var ErrLockTimeout = errors.New("redislock: lock acquisition timed out")

// ErrLockLost is returned when a held mutex's renewal failed mid-body
// (spec.md §7).
var ErrLockLost = errors.New("redislock: lock lost during renewal")

// Is reports whether err is (or wraps) one of this package's sentinel
// errors, a small convenience over errors.Is for callers that want a
// single predicate.
func Is(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrLockLost)
}
