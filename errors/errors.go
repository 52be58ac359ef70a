package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseLayout   Phase = "layout"   // layout construction and path lookup
	PhaseAccess   Phase = "access"   // segment reads, writes and slicing
	PhaseScope    Phase = "scope"    // scope allocation and close
	PhaseResolve  Phase = "resolve"  // call plan resolution
	PhaseLink     Phase = "link"     // downcall/upcall handle creation
	PhaseDowncall Phase = "downcall" // managed to native call
	PhaseUpcall   Phase = "upcall"   // native to managed call
	PhaseLoad     Phase = "load"     // library loading
	PhaseParse    Phase = "parse"    // manifest parsing
)

// Kind categorizes the error
type Kind string

const (
	KindUnsupportedLayout Kind = "unsupported_layout"
	KindPathNotFound      Kind = "path_not_found"
	KindTypeMismatch      Kind = "type_mismatch"
	KindOutOfBounds       Kind = "out_of_bounds"
	KindMisaligned        Kind = "misaligned"
	KindClosedScope       Kind = "closed_scope"
	KindScopeBusy         Kind = "scope_busy"
	KindWrongThread       Kind = "wrong_thread"
	KindHeapSegment       Kind = "heap_segment"
	KindEscapingSegment   Kind = "escaping_segment"
	KindInvalidOption     Kind = "invalid_option"
	KindNullResult        Kind = "null_result"
	KindReentrancy        Kind = "reentrancy"
	KindUpcallFailed      Kind = "upcall_failed"
	KindSignatureMismatch Kind = "signature_mismatch"
	KindNoSuchElement     Kind = "no_such_element"
	KindAllocation        Kind = "allocation"
	KindNotFound          Kind = "not_found"
	KindInvalidInput      Kind = "invalid_input"
	KindInvalidData       Kind = "invalid_data"
	KindInstantiation     Kind = "instantiation"
	KindTrap              Kind = "trap"
)

// Sentinels match any *Error with the same Kind regardless of Phase.
var (
	ErrUnsupportedLayout = &Error{Kind: KindUnsupportedLayout}
	ErrPathNotFound      = &Error{Kind: KindPathNotFound}
	ErrTypeMismatch      = &Error{Kind: KindTypeMismatch}
	ErrOutOfBounds       = &Error{Kind: KindOutOfBounds}
	ErrMisaligned        = &Error{Kind: KindMisaligned}
	ErrClosedScope       = &Error{Kind: KindClosedScope}
	ErrScopeBusy         = &Error{Kind: KindScopeBusy}
	ErrWrongThread       = &Error{Kind: KindWrongThread}
	ErrHeapSegment       = &Error{Kind: KindHeapSegment}
	ErrEscapingSegment   = &Error{Kind: KindEscapingSegment}
	ErrInvalidOption     = &Error{Kind: KindInvalidOption}
	ErrNullResult        = &Error{Kind: KindNullResult}
	ErrReentrancy        = &Error{Kind: KindReentrancy}
	ErrUpcallFailed      = &Error{Kind: KindUpcallFailed}
	ErrSignatureMismatch = &Error{Kind: KindSignatureMismatch}
	ErrNoSuchElement     = &Error{Kind: KindNoSuchElement}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrAllocation        = &Error{Kind: KindAllocation}
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrInvalidData       = &Error{Kind: KindInvalidData}
	ErrInstantiation     = &Error{Kind: KindInstantiation}
	ErrTrap              = &Error{Kind: KindTrap}
)

// Error is the structured error type used throughout the module
type Error struct {
	Value      any
	Cause      error
	Phase      Phase
	Kind       Kind
	GoType     string
	LayoutType string
	Detail     string
	Path       []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Phase != "" {
		b.WriteByte('[')
		b.WriteString(string(e.Phase))
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.GoType != "" || e.LayoutType != "" {
		b.WriteString(": ")
		if e.GoType != "" && e.LayoutType != "" {
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
			b.WriteString(", layout ")
			b.WriteString(e.LayoutType)
		} else if e.GoType != "" {
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
		} else {
			b.WriteString("layout ")
			b.WriteString(e.LayoutType)
		}
	}

	if e.Detail != "" {
		if e.GoType != "" || e.LayoutType != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target without a Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase == "" {
		return e.Kind == t.Kind
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the member path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// GoType sets the Go type name
func (b *Builder) GoType(t string) *Builder {
	b.err.GoType = t
	return b
}

// LayoutType sets the rendered layout
func (b *Builder) LayoutType(t string) *Builder {
	b.err.LayoutType = t
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// UnsupportedLayout creates an error for a layout the operation cannot handle
func UnsupportedLayout(phase Phase, layout, detail string) *Error {
	return &Error{
		Phase:      phase,
		Kind:       KindUnsupportedLayout,
		LayoutType: layout,
		Detail:     detail,
	}
}

// PathNotFound creates an error for a path element that names nothing
func PathNotFound(path []string, element string) *Error {
	return &Error{
		Phase:  PhaseLayout,
		Kind:   KindPathNotFound,
		Path:   path,
		Detail: fmt.Sprintf("no member %s", element),
	}
}

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, path []string, goType, layout string) *Error {
	return &Error{
		Phase:      phase,
		Kind:       KindTypeMismatch,
		Path:       path,
		GoType:     goType,
		LayoutType: layout,
	}
}

// OutOfBounds creates an out of bounds error for an access of length bytes at offset
func OutOfBounds(phase Phase, offset, length, size uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("access [%d, %d) outside segment of %d bytes", offset, offset+length, size),
		Value:  offset,
	}
}

// Misaligned creates an alignment violation error
func Misaligned(address, align uint64) *Error {
	return &Error{
		Phase:  PhaseAccess,
		Kind:   KindMisaligned,
		Detail: fmt.Sprintf("address %#x is not aligned to %d", address, align),
		Value:  address,
	}
}

// ClosedScope creates an error for use of memory whose scope has closed
func ClosedScope(phase Phase) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosedScope,
		Detail: "scope already closed",
	}
}

// HeapSegment creates an error for a heap segment used where a native address is required
func HeapSegment(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindHeapSegment,
		Detail: fmt.Sprintf("heap segment cannot be used as %s", what),
	}
}

// EscapingSegment creates an error for a segment that would outlive the
// scope backing it
func EscapingSegment(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindEscapingSegment,
		Detail: fmt.Sprintf("%s refers to memory released when the callback returns", what),
	}
}

// InvalidOption creates an invalid call option error
func InvalidOption(detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindInvalidOption,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// NullResult creates an error for a NULL result where non-null is required
func NullResult(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNullResult,
		Detail: fmt.Sprintf("%s returned NULL", what),
	}
}

// Reentrancy creates an error for an upcall made during a trivial call
func Reentrancy(symbol string) *Error {
	return &Error{
		Phase:  PhaseUpcall,
		Kind:   KindReentrancy,
		Detail: fmt.Sprintf("upcall during trivial call to %s", symbol),
	}
}

// UpcallFailed wraps an error raised by a managed callback
func UpcallFailed(cause error) *Error {
	return &Error{
		Phase:  PhaseDowncall,
		Kind:   KindUpcallFailed,
		Detail: "callback failed",
		Cause:  cause,
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(phase Phase, size, align uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes (align %d)", size, align),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Load creates a library loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(name string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInstantiation,
		Detail: fmt.Sprintf("instantiate library %q", name),
		Cause:  cause,
	}
}

// ParseFailed creates a parsing error
func ParseFailed(what string, cause error) *Error {
	return &Error{
		Phase:  PhaseParse,
		Kind:   KindInvalidData,
		Detail: fmt.Sprintf("parse %s", what),
		Cause:  cause,
	}
}

// Trap creates an error for native code that trapped without a pending
// upcall failure
func Trap(symbol string, cause error) *Error {
	return &Error{
		Phase:  PhaseDowncall,
		Kind:   KindTrap,
		Detail: fmt.Sprintf("native call %q trapped", symbol),
		Cause:  cause,
	}
}
