// Package threadctx provides per-thread execution state: a per-thread
// stack region, a per-thread backend execution context, and the thread-local
// "currently executing module" pointer host-call shims consult instead of
// receiving a context argument. Go has no native thread-local storage, so
// the pointer is kept in a package-level sync.Map keyed by the *Context a
// goroutine owns exclusively - set for the span of each run (the primary
// Context around Execute, a forked worker's around its own run) and read
// by Current wherever the call path doesn't thread a context.Context
// through far enough to avoid it.
package threadctx
