package types

import "errors"

// Kind identifies one of the error categories the kernel produces. HTTP
// handlers switch on Kind to pick a status code; callers inside the kernel
// compare KindOf(err) against the Kind constants below.
type Kind int

const (
	KindUnknown Kind = iota
	KindDuplicateID
	KindUnknownDependency
	KindCycleInBatch
	KindStateConflict
	KindNotFound
	KindStoreError
)

// KernelError wraps an underlying cause with the Kind the HTTP boundary and
// the worker/scheduler need to distinguish.
type KernelError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *KernelError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *KernelError) Unwrap() error { return e.Cause }

func newErr(kind Kind, msg string, cause error) *KernelError {
	return &KernelError{Kind: kind, Message: msg, Cause: cause}
}

func DuplicateID(id string) error {
	return newErr(KindDuplicateID, "duplicate task id: "+id, nil)
}

func UnknownDependency(id string) error {
	return newErr(KindUnknownDependency, "unknown dependency: "+id, nil)
}

func CycleInBatch() error {
	return newErr(KindCycleInBatch, "batch contains a dependency cycle", nil)
}

func StateConflict(msg string) error {
	return newErr(KindStateConflict, msg, nil)
}

func NotFound(id string) error {
	return newErr(KindNotFound, "task not found: "+id, nil)
}

func StoreError(op string, cause error) error {
	return newErr(KindStoreError, "store error during "+op, cause)
}

// KindOf extracts the Kind of err, walking the wrap chain. Returns
// KindUnknown for errors that did not originate in this package.
func KindOf(err error) Kind {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindUnknown
}
