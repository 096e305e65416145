package kernel

// ErrorKind classifies a kernel error so callers can decide whether to retry
// with different arguments, propagate the error or halt.
type ErrorKind uint8

const (
	// KindUnknown is reported for errors that carry no classification.
	KindUnknown ErrorKind = iota

	// KindInvalidArgument covers bad alignment, non-canonical addresses
	// and unsupported flag combinations.
	KindInvalidArgument

	// KindExhausted is returned when no free block, bitmap run or page
	// table frame is available.
	KindExhausted

	// KindInUse is returned when a request targets a resource that is
	// already allocated or mapped.
	KindInUse

	// KindNotFound is returned when a request targets a resource that does
	// not exist (e.g. unmapping an absent mapping).
	KindNotFound

	// KindRangeMismatch is returned when a request conflicts with the page
	// size of an existing mapping.
	KindRangeMismatch

	// KindFatal marks conditions that leave the kernel in a state that
	// cannot be trusted. Errors of this kind end up in kfmt.Panic.
	KindFatal
)

// String implements fmt.Stringer for ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindExhausted:
		return "resource exhausted"
	case KindInUse:
		return "already in use"
	case KindNotFound:
		return "not found"
	case KindRangeMismatch:
		return "range mismatch"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the memory allocator is the subsystem reporting these
// errors so error paths cannot rely on errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Kind classifies the error.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is allows errors.Is to match any error against one of the kind sentinels
// below (ErrInvalidArgument, ErrExhausted and so on).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil || e == nil {
		return false
	}

	return t.Module == "" && t.Kind == e.Kind
}

// Kind sentinels. They are only meant to be used as errors.Is targets.
var (
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument, Message: "invalid argument"}
	ErrExhausted       = &Error{Kind: KindExhausted, Message: "resource exhausted"}
	ErrInUse           = &Error{Kind: KindInUse, Message: "already in use"}
	ErrNotFound        = &Error{Kind: KindNotFound, Message: "not found"}
	ErrRangeMismatch   = &Error{Kind: KindRangeMismatch, Message: "range mismatch"}
	ErrFatal           = &Error{Kind: KindFatal, Message: "fatal"}
)

// KindOf returns the kind of err or KindUnknown if err is not a kernel error.
func KindOf(err error) ErrorKind {
	if kErr, ok := err.(*Error); ok && kErr != nil {
		return kErr.Kind
	}

	return KindUnknown
}
