// Package journal keeps a local SQLite history of issued transformations
// and button edges.
//
// The Recorder is a dragon.Observer: attach it to a Device and every
// transformation and button press or release lands in the journal without
// the caller doing anything else. Rows are append-only; PruneBefore trims
// old history.
package journal
