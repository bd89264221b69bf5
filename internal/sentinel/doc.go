// Package sentinel provides a const-declarable error type for sentinel
// error definitions.
//
// Sentinels declared with errors.New live in package vars that any code
// in the process can reassign. Error is a string-backed error type that
// fits in a const block, making the sentinel itself immutable while
// keeping errors.Is matching through wrapped chains.
package sentinel
