package sync

import (
	"errors"
	"fmt"
)

// Kind classifies why a sync cycle failed.
type Kind int

const (
	KindAuthRequired Kind = iota + 1
	KindSchemaLookupFailed
	KindSchemaCreateFailed
	KindSchemaIncomplete
	KindUploadFailed
	KindTableGone
	KindStorage
)

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrAuthRequired       = errors.New("access token unavailable or rejected")
	ErrSchemaLookupFailed = errors.New("schema lookup failed")
	ErrSchemaCreateFailed = errors.New("schema creation failed")
	ErrSchemaIncomplete   = errors.New("schema has unresolved fields")
	ErrUploadFailed       = errors.New("upload failed")
	ErrTableGone          = errors.New("remote table no longer exists")
	ErrStorage            = errors.New("local sample store failure")

	// ErrCycleInFlight is returned when a cycle or purge is requested while a cycle runs.
	ErrCycleInFlight = errors.New("sync cycle already in flight")
)

func (k Kind) String() string {
	switch k {
	case KindAuthRequired:
		return "AuthRequired"
	case KindSchemaLookupFailed:
		return "SchemaLookupFailed"
	case KindSchemaCreateFailed:
		return "SchemaCreateFailed"
	case KindSchemaIncomplete:
		return "SchemaIncomplete"
	case KindUploadFailed:
		return "UploadFailed"
	case KindTableGone:
		return "TableGone"
	case KindStorage:
		return "Storage"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// IsSchema reports whether the kind is one of the schema resolution failures.
func (k Kind) IsSchema() bool {
	return k == KindSchemaLookupFailed || k == KindSchemaCreateFailed || k == KindSchemaIncomplete
}

func (k Kind) sentinel() error {
	switch k {
	case KindAuthRequired:
		return ErrAuthRequired
	case KindSchemaLookupFailed:
		return ErrSchemaLookupFailed
	case KindSchemaCreateFailed:
		return ErrSchemaCreateFailed
	case KindSchemaIncomplete:
		return ErrSchemaIncomplete
	case KindUploadFailed:
		return ErrUploadFailed
	case KindTableGone:
		return ErrTableGone
	case KindStorage:
		return ErrStorage
	}
	return nil
}

// Error is a failed sync step.
type Error struct {
	Kind Kind
	Step string
	Err  error
}

func newError(kind Kind, step string, err error) *Error {
	return &Error{Kind: kind, Step: step, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Step, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Step, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// IsRetryable reports whether the next tick may succeed without intervention.
// Storage failures are not: the queue itself cannot be read or written.
func (e *Error) IsRetryable() bool {
	return e.Kind != KindStorage
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}
