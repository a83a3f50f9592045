package vmm

import (
	"errors"
	"io/fs"

	"github.com/bobuhiro11/gosnap/persist"
	"github.com/bobuhiro11/gosnap/snapshot"
	"github.com/bobuhiro11/gosnap/version"
)

var (
	// ErrPrecondition is returned before any side effect when an operation
	// is not valid in the current state.
	ErrPrecondition = errors.New("precondition violated")
	// ErrIO wraps failures of the snapshot or memory files.
	ErrIO = errors.New("snapshot i/o failed")
)

// ErrorKind is the failure taxonomy reported to callers.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	PreconditionViolation
	IOFailure
	IntegrityFailure
	VersionUnsupported
	SerializationFailure
	DeserializationFailure
	Internal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "None"
	case PreconditionViolation:
		return "PreconditionViolation"
	case IOFailure:
		return "IOFailure"
	case IntegrityFailure:
		return "IntegrityFailure"
	case VersionUnsupported:
		return "VersionUnsupported"
	case SerializationFailure:
		return "SerializationFailure"
	case DeserializationFailure:
		return "DeserializationFailure"
	default:
		return "Internal"
	}
}

// Classify maps err onto the taxonomy. A chain carrying several sentinels
// is classified by the most specific one.
func Classify(err error) ErrorKind {
	var pathErr *fs.PathError

	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrPrecondition):
		return PreconditionViolation
	case errors.Is(err, snapshot.ErrIntegrity), errors.Is(err, snapshot.ErrFormat):
		return IntegrityFailure
	case errors.Is(err, version.ErrUnsupported):
		return VersionUnsupported
	case errors.Is(err, persist.ErrSerialization):
		return SerializationFailure
	case errors.Is(err, persist.ErrDeserialization):
		return DeserializationFailure
	case errors.Is(err, ErrIO), errors.As(err, &pathErr):
		return IOFailure
	default:
		return Internal
	}
}
