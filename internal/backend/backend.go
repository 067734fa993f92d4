// Package backend abstracts the physical storage tier beneath the
// multi-version store. What: a per-kind keyed byte store with ordered range
// scans and opaque-cursor pagination. How: modeled on tinySQL's
// storage.StorageBackend interface (LoadTable/SaveTable/Sync/Close/Stats),
// generalized from whole-table GOB blobs to individual encoded-key/value
// pairs partitioned by key.KeyKind, since the multi-version store needs
// point and range access at key granularity rather than table granularity.
package backend

import (
	"fmt"

	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

// Entry is a single stored key/value pair. A Tombstone entry carries no
// meaningful Values and marks the key as deleted without removing it from
// the backend (the memory tier keeps the flagged entry; the sqlite tier
// stores a NULL value column and the bbolt tier a marker value).
type Entry struct {
	Key       key.EncodedKey
	Values    core.Values
	Tombstone bool
}

// Cursor is an opaque pagination token returned by RangeNext/RangeRevNext.
// Callers must not inspect its contents; pass it back verbatim to continue
// a scan. The zero value starts a scan from the beginning (or end, for a
// reverse scan).
type Cursor struct {
	last    key.EncodedKey
	started bool
}

// RangeBatch is one page of a range scan.
type RangeBatch struct {
	Entries []Entry
	Next    Cursor
	HasMore bool
}

// Stats reports backend-level operational counters, mirroring tinySQL's
// BackendStats but scoped to the tiered model's hot/warm/cold split.
type Stats struct {
	Tier          string
	KeyCount      int64
	KeyBytes      int64
	ValueBytes    int64
	GetCount      int64
	SetCount      int64
	RangeCount    int64
}

// Backend abstracts one physical storage tier. Implementations need not be
// safe for concurrent use by themselves; the multi-version store serializes
// access per key-kind using its own locking.
type Backend interface {
	// EnsureTable creates whatever on-disk or in-memory structure backs
	// kind if it does not already exist. Idempotent.
	EnsureTable(kind key.KeyKind) error

	// ClearTable removes every entry stored under kind.
	ClearTable(kind key.KeyKind) error

	// Get returns the value stored at k under kind. ok is false if the
	// key is absent or tombstoned.
	Get(kind key.KeyKind, k key.EncodedKey) (values core.Values, ok bool, err error)

	// Contains reports whether k exists (and is not tombstoned) under
	// kind, without materializing its value.
	Contains(kind key.KeyKind, k key.EncodedKey) (bool, error)

	// SetBatch applies every entry across every kind in batch as one
	// atomic backend-level operation: either every entry in every kind
	// becomes visible, or (on error) none does. Callers that need to
	// touch more than one kind in a single commit must pass them all in
	// one SetBatch call rather than issuing one call per kind, since
	// only the backend can give that commit cross-kind atomicity.
	SetBatch(batch map[key.KeyKind][]Entry) error

	// Delete physically removes k with no tombstone trace. Used for
	// internal bookkeeping cleanup, never for end-user deletes (those
	// go through SetBatch with Tombstone: true).
	Delete(kind key.KeyKind, k key.EncodedKey) error

	// RangeNext scans [start, end) in ascending key order starting
	// after cursor, returning up to limit entries.
	RangeNext(kind key.KeyKind, start, end key.EncodedKey, cursor Cursor, limit int) (RangeBatch, error)

	// RangeRevNext scans [start, end) in descending key order starting
	// before cursor, returning up to limit entries.
	RangeRevNext(kind key.KeyKind, start, end key.EncodedKey, cursor Cursor, limit int) (RangeBatch, error)

	// Stats reports this tier's operational counters. A backend that is
	// itself a composite of more than one physical tier (Tiered) reports
	// one Stats per distinct underlying tier; a single-tier backend
	// reports a one-element slice.
	Stats() []Stats

	// Close releases any resources (file handles, connections).
	Close() error
}

// ErrKindNotEnsured builds the error for an operation that targets a kind
// EnsureTable was never called for. None of the backends in this package
// return it.
func ErrKindNotEnsured(kind key.KeyKind) error {
	return core.NewInvalidArgument(fmt.Sprintf("backend: kind %s was never ensured", kind))
}
