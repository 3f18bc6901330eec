// Package rerrors defines the replication engine's error taxonomy.
//
// Every fatal or semi-fatal condition the fetch state machine and
// replication driver can hit is wrapped in one of the categories below so
// callers can switch on Category() instead of string-matching error text.
package rerrors

import (
	"errors"
	"fmt"
)

// Category distinguishes the broad class of failure, per spec §7.
type Category int

const (
	// CategoryTransport covers connection loss, timeouts, byte limits.
	CategoryTransport Category = iota
	// CategoryStorage covers missing objects, lock contention, I/O failure.
	CategoryStorage
	// CategoryIntegrity covers canonical-JSON mismatch, content-hash mismatch.
	CategoryIntegrity
	// CategoryCrypto covers bad signatures and quorum failures.
	CategoryCrypto
	// CategoryPolicy covers tracking/rate-limit denials.
	CategoryPolicy
	// CategorySemantic covers divergent history and type mismatches.
	CategorySemantic
)

func (c Category) String() string {
	switch c {
	case CategoryTransport:
		return "transport"
	case CategoryStorage:
		return "storage"
	case CategoryIntegrity:
		return "integrity"
	case CategoryCrypto:
		return "cryptographic"
	case CategoryPolicy:
		return "policy"
	case CategorySemantic:
		return "semantic"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a category and, for retryable
// storage errors, a Retryable flag the driver consults before giving up.
type Error struct {
	Cat       Category
	Op        string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Cat, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Cat, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Category returns the error's taxonomy bucket.
func (e *Error) Category() Category { return e.Cat }

func newErr(cat Category, op string, err error, retryable bool) *Error {
	return &Error{Cat: cat, Op: op, Err: err, Retryable: retryable}
}

// Transport wraps a connection-level failure. Never retried internally by
// the fetch state machine; the caller decides whether to retry.
func Transport(op string, err error) error { return newErr(CategoryTransport, op, err, false) }

// Storage wraps an object-store or refdb I/O failure. Lock contention
// should be constructed with retryable=true; anything else is fatal.
func Storage(op string, err error, retryable bool) error {
	return newErr(CategoryStorage, op, err, retryable)
}

// Integrity wraps a canonical-encoding or content-hash mismatch. Never
// retried.
func Integrity(op string, err error) error { return newErr(CategoryIntegrity, op, err, false) }

// Crypto wraps a signature or quorum failure.
func Crypto(op string, err error) error { return newErr(CategoryCrypto, op, err, false) }

// Policy wraps a tracking or rate-limit denial. replicate.Driver returns
// it to its caller when a peer's fetch or storage-error budget rejects
// the whole replication.
func Policy(op string, err error) error { return newErr(CategoryPolicy, op, err, false) }

// Semantic wraps a divergent-history or type-mismatch condition. Must be
// surfaced to the operator.
func Semantic(op string, err error) error { return newErr(CategorySemantic, op, err, false) }

// CategoryOf extracts the Category of err, walking the Unwrap chain. The
// second return is false if no *Error is found anywhere in the chain.
func CategoryOf(err error) (Category, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Cat, true
	}
	return 0, false
}

// IsRetryable reports whether err (or something it wraps) is a retryable
// storage error, e.g. refdb lock contention.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
