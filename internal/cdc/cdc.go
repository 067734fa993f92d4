// Package cdc turns committed deltas into an ordered, durable change
// stream. What: every successful multi.Store commit is diffed into a Cdc
// record (one per version, holding per-key Before/After images) and
// appended to a private key.KindCDC partition; registered consumers read
// that partition at their own pace and advance a checkpoint, and the
// oldest checkpoint across all consumers becomes the watermark a periodic
// job feeds into multi.Store.DropBefore. How: grounded in tinySQL's
// internal/storage/scheduler.go JobExecutor pattern (a narrow interface
// decoupling the cron job from SQL execution, generalized here to decouple
// the cleanup job from the store) and its robfig/cron/v3 dependency; the
// consumer/checkpoint bookkeeping shape is grounded in the resolved-
// timestamp tracking table from the cdc-sink reference resolver (schema,
// source_nanos/logical pair generalized to a single CommitVersion).
package cdc

import (
	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

// ChangeOp tags what happened to a single key inside a commit.
type ChangeOp uint8

const (
	// ChangeSet is an insert or update: After is always present.
	ChangeSet ChangeOp = iota + 1
	// ChangeRemove is a delete: Before is always present, After is empty.
	ChangeRemove
)

func (o ChangeOp) String() string {
	switch o {
	case ChangeSet:
		return "set"
	case ChangeRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change is one row-level change inside a Cdc record.
type Change struct {
	Kind   key.KeyKind
	Key    key.EncodedKey
	Op     ChangeOp
	Before core.Values // zero value if there was no prior version
	After  core.Values // zero value for ChangeRemove
}

// SystemChange is a Change to an internal bookkeeping keyspace (flow
// definitions, flow state, stats; see excludedFromCdc) that consumers of the user-facing stream are not
// expected to see by default but that a schema-registry or replication
// consumer may still want. Kept as a distinct slice on Cdc rather than
// filtered out entirely, per spec's "CDC-excluded-kind filtering" still
// needing somewhere for system changes to go.
type SystemChange struct {
	Change
}

// Cdc is the unit of the change stream: every key touched by one commit,
// grouped together so a consumer can apply them atomically.
type Cdc struct {
	Version       core.CommitVersion
	TimestampMs   int64
	Changes       []Change
	SystemChanges []SystemChange
}

// footprint sums the key/value byte size of every Change and SystemChange
// in rec, for the CDC stats accumulator's per-record accounting.
func (rec Cdc) footprint() (keyBytes, valueBytes int64) {
	for _, c := range rec.Changes {
		keyBytes += int64(c.Key.Len())
		valueBytes += int64(c.Before.Len() + c.After.Len())
	}
	for _, sc := range rec.SystemChanges {
		keyBytes += int64(sc.Key.Len())
		valueBytes += int64(sc.Before.Len() + sc.After.Len())
	}
	return keyBytes, valueBytes
}

// excludedFromCdc reports whether kind never produces a user-facing
// Change, only a SystemChange. Flow and stats bookkeeping writes are
// internal; row and index data is not. The CDC keyspace itself is never
// passed here: the producer drops its own writes before this check (see
// producer.go's handleCommit), since otherwise persisting a record would
// recurse into diffing that very write.
func excludedFromCdc(kind key.KeyKind) bool {
	switch kind {
	case key.KindFlow, key.KindFlowState, key.KindStats:
		return true
	default:
		return false
	}
}

// SchemaRegistry decodes raw key/value bytes into a caller-meaningful
// shape. The core never interprets Values itself (core.Values doc
// comment); this is the external collaborator interface consumers use to
// make sense of a Change. No implementation lives in this module.
type SchemaRegistry interface {
	DecodeKey(k key.EncodedKey) (any, error)
	DecodeValue(kind key.KeyKind, v core.Values) (any, error)
}
