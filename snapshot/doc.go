// Package snapshot serializes a module instance's linear memory to and
// from a compact binary stream: a page count followed by that many whole
// WASM pages of raw bytes. There is no version tag or architecture check -
// restoring a snapshot produced on an incompatible build is the caller's
// responsibility to avoid.
package snapshot
