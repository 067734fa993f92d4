// Package core holds the data model shared by every subsystem: commit
// versions, deltas, multi-version entries and the stats delta shape.
// Grounded in tinySQL's internal/storage/mvcc.go (TxID/Timestamp/RowVersion)
// generalized to a byte-oriented, kind-agnostic model.
package core

import "fmt"

// CommitVersion is a monotonically increasing, strictly-positive version
// number assigned to every successful commit. Zero means "no commit yet".
type CommitVersion uint64

// IsZero reports whether v represents "no commit yet".
func (v CommitVersion) IsZero() bool { return v == 0 }

func (v CommitVersion) String() string { return fmt.Sprintf("v%d", uint64(v)) }

// Values is an opaque, immutable byte payload. The core never interprets
// its contents; that is the schema registry's job (see cdc.SchemaRegistry).
type Values struct {
	b []byte
}

// NewValues wraps a byte slice as Values without copying.
func NewValues(b []byte) Values { return Values{b: b} }

// Bytes returns the underlying bytes.
func (v Values) Bytes() []byte { return v.b }

// Len reports the byte length.
func (v Values) Len() int { return len(v.b) }

// Clone returns a defensive copy.
func (v Values) Clone() Values {
	cp := make([]byte, len(v.b))
	copy(cp, v.b)
	return Values{b: cp}
}
