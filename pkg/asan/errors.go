package asan

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies pass failures by what went wrong, not by where.
type ErrorKind uint8

const (
	// AlreadyInstrumented: the image carries a .thunks section already.
	AlreadyInstrumented ErrorKind = iota
	// UnknownProbe: the probe table has no entry for a computed access
	// descriptor. Means the enumeration and the classifier disagree.
	UnknownProbe
	// ImportFailure: the add-imports transform failed.
	ImportFailure
	// ThunkBuildFailure: a synthesized stub or thunk did not build.
	ThunkBuildFailure
	// COFFNameCollision: the object already defines an Asan-prefixed name.
	COFFNameCollision
	// TransformFailure: a delegated transform failed.
	TransformFailure
)

func (k ErrorKind) String() string {
	switch k {
	case AlreadyInstrumented:
		return "already instrumented"
	case UnknownProbe:
		return "unknown probe"
	case ImportFailure:
		return "import failure"
	case ThunkBuildFailure:
		return "thunk build failure"
	case COFFNameCollision:
		return "coff name collision"
	case TransformFailure:
		return "transform failure"
	}
	return "unknown"
}

// KindError is the error type the pass's own failures surface as. An error
// from the operand classifier during per-block instrumentation is returned
// as is, without a kind.
type KindError struct {
	Kind ErrorKind
	Msg  string
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func kindErrorf(kind ErrorKind, format string, args ...interface{}) error {
	return &KindError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind from err, unwrapping as needed.
func KindOf(err error) (ErrorKind, bool) {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind, true
	}
	return 0, false
}
