package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred.
type Phase string

const (
	PhaseCompile  Phase = "compile"  // IR module compilation/caching
	PhaseLoad     Phase = "load"     // module loading
	PhaseBind     Phase = "bind"     // binding a module instance to its entry function
	PhaseLink     Phase = "link"     // GOT / dynamic symbol resolution
	PhaseLayout   Phase = "layout"   // memory layout computation
	PhaseMemory   Phase = "memory"   // mmap/mprotect/growth operations
	PhaseDynload  Phase = "dynload"  // dynamic module loading
	PhaseExecute  Phase = "execute"  // guest code execution
	PhaseHost     Phase = "host"     // host function registration
	PhaseValidate Phase = "validate" // data validation
)

// Kind categorizes the error.
type Kind string

const (
	KindTypeMismatch     Kind = "type_mismatch"
	KindOutOfBounds      Kind = "out_of_bounds"
	KindInvalidData      Kind = "invalid_data"
	KindUnsupported      Kind = "unsupported"
	KindAllocation       Kind = "allocation"
	KindNilPointer       Kind = "nil_pointer"
	KindOverflow         Kind = "overflow"
	KindMissingImport    Kind = "missing_import"
	KindNotFound         Kind = "not_found"
	KindNotInitialized   Kind = "not_initialized"
	KindInvalidInput     Kind = "invalid_input"
	KindRegistration     Kind = "registration"
	KindInstantiation    Kind = "instantiation"
	KindBindingError     Kind = "binding_error"
	KindLinkError        Kind = "link_error"
	KindLayoutError      Kind = "layout_error"
	KindMemoryError      Kind = "memory_error"
	KindOutOfMemory      Kind = "out_of_memory"
	KindOutOfMaxSize     Kind = "out_of_max_size"
	KindOutOfQuota       Kind = "out_of_quota"
	KindDynamicLoadError Kind = "dynamic_load_error"
	KindBackendTrap      Kind = "backend_trap"
	KindGuestExit        Kind = "guest_exit"
)

// Error is the structured error type used throughout the module.
type Error struct {
	Value   any
	Cause   error
	Phase   Phase
	Kind    Kind
	GoType  string
	Detail  string
	Path    []string
	// Code carries the guest process exit code when Kind is KindGuestExit.
	Code    int32
	HasCode bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.GoType != "" {
		b.WriteString(": Go type ")
		b.WriteString(e.GoType)
	}

	if e.HasCode {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}

	if e.Detail != "" {
		if e.GoType != "" {
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

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction.
type Builder struct {
	err Error
}

// New creates a new error builder.
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field path.
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// GoType sets the Go type name.
func (b *Builder) GoType(t string) *Builder {
	b.err.GoType = t
	return b
}

// Value sets the offending value.
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error.
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Code sets the guest exit code (used with KindGuestExit).
func (b *Builder) Code(code int32) *Builder {
	b.err.Code = code
	b.err.HasCode = true
	return b
}

// Detail sets the human-readable detail message.
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error.
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns.

// TypeMismatch creates a type mismatch error.
func TypeMismatch(phase Phase, path []string, goType string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeMismatch,
		Path:   path,
		GoType: goType,
		Detail: detail,
	}
}

// AllocationFailed creates an allocation failure error.
func AllocationFailed(phase Phase, size, align uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes (align %d)", size, align),
	}
}

// Unsupported creates an unsupported operation error.
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// OutOfBounds creates an out of bounds error.
func OutOfBounds(phase Phase, path []string, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("index %d out of bounds (length %d)", index, length),
		Value:  index,
	}
}

// NilPointer creates a nil pointer error.
func NilPointer(phase Phase, path []string, goType string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNilPointer,
		Path:   path,
		GoType: goType,
		Detail: "nil pointer",
	}
}

// Overflow creates an overflow error.
func Overflow(phase Phase, path []string, value any, targetType string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOverflow,
		Path:   path,
		Detail: fmt.Sprintf("value %v overflows %s", value, targetType),
		Value:  value,
	}
}

// InvalidData creates an invalid data error.
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// NotInitialized creates a not-initialized error for a missing module/instance.
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// NotFound creates a not-found error.
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error.
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Registration creates a registration error.
func Registration(phase Phase, namespace, name string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindRegistration,
		Detail: fmt.Sprintf("register %s#%s", namespace, name),
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error.
func Instantiation(cause error) *Error {
	return &Error{
		Phase: PhaseLoad,
		Kind:  KindInstantiation,
		Cause: cause,
	}
}

// BindingError reports a failure to bind a module instance to its entry
// function - a missing export, a signature mismatch, or a base module that
// was never instantiated.
func BindingError(path []string, detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseBind,
		Kind:   KindBindingError,
		Path:   path,
		Detail: detail,
		Cause:  cause,
	}
}

// LinkError reports a failure to resolve a GOT.mem/GOT.func entry or other
// dynamic-linking symbol.
func LinkError(symbol string, detail string) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindLinkError,
		Path:   []string{symbol},
		Detail: detail,
	}
}

// LayoutError reports an invalid or inconsistent memory layout computation,
// such as a dynamic module whose base address would overlap the heap or
// stack region.
func LayoutError(detail string) *Error {
	return &Error{
		Phase:  PhaseLayout,
		Kind:   KindLayoutError,
		Detail: detail,
	}
}

// MemoryError reports a failure in a memory-region operation: mmap,
// mprotect, munmap, or a guest request that would grow memory past its
// cgroup quota.
func MemoryError(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindMemoryError,
		Detail: detail,
		Cause:  cause,
	}
}

// OutOfMemory reports that the backend or kernel refused to commit more
// memory - the guest asked for pages the host could not produce.
func OutOfMemory(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindOutOfMemory,
		Detail: detail,
		Cause:  cause,
	}
}

// OutOfMaxSize reports a growth request past the memory's declared maximum
// (or the arena's reserved capacity backing it).
func OutOfMaxSize(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindOutOfMaxSize,
		Detail: detail,
		Cause:  cause,
	}
}

// OutOfQuota reports a growth request that would push the instance's cgroup
// past its memory limit - a host scheduling concern, not a module defect.
func OutOfQuota(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindOutOfQuota,
		Detail: detail,
		Cause:  cause,
	}
}

// DynamicLoadError reports a failure to load or link a dynamic module into
// an already-bound module instance.
func DynamicLoadError(path string, detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseDynload,
		Kind:   KindDynamicLoadError,
		Path:   []string{path},
		Detail: detail,
		Cause:  cause,
	}
}

// BackendTrap wraps a trap raised by the WASM backend during guest
// execution (an unreachable instruction, an out-of-bounds table call, a
// misaligned access, and so on).
func BackendTrap(functionName string, cause error) *Error {
	return &Error{
		Phase:  PhaseExecute,
		Kind:   KindBackendTrap,
		Path:   []string{functionName},
		Detail: "guest code trapped",
		Cause:  cause,
	}
}

// GuestExit reports that the guest called proc_exit (or an equivalent
// explicit exit path) with the given code. It is not necessarily a failure:
// callers that treat zero as success should check Code themselves.
func GuestExit(code int32) *Error {
	return &Error{
		Phase:   PhaseExecute,
		Kind:    KindGuestExit,
		Code:    code,
		HasCode: true,
		Detail:  "guest process exited",
	}
}
