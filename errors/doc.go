// Package errors provides the structured error type shared across the
// module lifecycle engine.
//
// Errors are categorized by Phase (where the error occurred: layout,
// linking, binding, memory, dynamic loading, execution, ...) and Kind
// (the error category). The Error type carries rich context: a field
// path, a Go type name, an optional guest exit code, and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseLink, errors.KindLinkError).
//		Path("GOT.func.malloc").
//		Detail("no base module export satisfies this GOT entry").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.LinkError("GOT.mem.foo", "undefined data symbol")
//	err := errors.LayoutError("dynamic module base overlaps stack guard page")
//	err := errors.GuestExit(1)
//
// All errors implement the standard error interface and support
// errors.Is/As from the standard library.
package errors
