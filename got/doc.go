// Package got implements the Global Offset Table: the indirection layer
// that lets a dynamically loaded module call functions and touch data
// defined in modules it was not statically linked against.
//
// A Table holds two maps and one auxiliary set, kept deliberately separate
// (rather than, say, a single map with a "resolved" flag) so that patching
// up a previously unresolved function is an idempotent delete-then-insert
// rather than a scan: functionOffsets never contains a name also present in
// missingEntries, and patch-up moves a name from one to the other.
package got
