// Package key implements the canonical, order-preserving byte encoding
// used for every key the core ever stores.
//
// What: EncodedKey is an immutable byte string with a leading KeyKind byte.
// Composite keys are built by appending fixed-width, sign-flipped numeric
// encodings and null-byte-escaped variable-length segments, the same way
// tinySQL's internal/storage package encodes row identity inside a single
// []byte key (see internal/storage/mvcc.go's RowVersion / Table lookups),
// generalized here to arbitrary composite domains.
// How: Builder appends segments; Decoder reads them back in the
// same order. Byte-stuffing (0x00 0x01 for an embedded NUL, 0x00 0x00 as a
// segment terminator) keeps prefix scans safe for variable-length segments
// without escaping every byte.
package key

import (
	"encoding/binary"
	"fmt"
)

// KeyKind identifies the logical category of an EncodedKey. It is always
// the first byte of the encoded form so that a single byte comparison
// partitions the keyspace by kind.
type KeyKind byte

const (
	KindRow KeyKind = iota + 1
	KindIndex
	KindCatalog
	KindCDC
	KindFlow
	KindFlowState
	KindStats
	KindSystem
)

func (k KeyKind) String() string {
	switch k {
	case KindRow:
		return "row"
	case KindIndex:
		return "index"
	case KindCatalog:
		return "catalog"
	case KindCDC:
		return "cdc"
	case KindFlow:
		return "flow"
	case KindFlowState:
		return "flow-state"
	case KindStats:
		return "stats"
	case KindSystem:
		return "system"
	default:
		return fmt.Sprintf("KeyKind(%d)", byte(k))
	}
}

// EncodedKey is an immutable, totally-ordered byte string. The zero value
// is not a valid key; always construct one via NewBuilder or Raw.
type EncodedKey struct {
	b []byte
}

// Raw wraps an already-encoded byte slice as an EncodedKey without copying.
// Callers must not mutate b after the call.
func Raw(b []byte) EncodedKey { return EncodedKey{b: b} }

// Bytes returns the underlying byte representation.
func (k EncodedKey) Bytes() []byte { return k.b }

// Len reports the length of the encoded key.
func (k EncodedKey) Len() int { return len(k.b) }

// IsEmpty reports whether the key carries no bytes.
func (k EncodedKey) IsEmpty() bool { return len(k.b) == 0 }

// Kind returns the leading KeyKind byte, or 0 if the key is empty.
func (k EncodedKey) Kind() KeyKind {
	if len(k.b) == 0 {
		return 0
	}
	return KeyKind(k.b[0])
}

// Compare returns -1, 0 or 1 ordering k against other, lexicographically.
func (k EncodedKey) Compare(other EncodedKey) int {
	a, b := k.b, other.b
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Equal reports whether k and other encode to the same bytes.
func (k EncodedKey) Equal(other EncodedKey) bool { return k.Compare(other) == 0 }

// HasPrefix reports whether k begins with the given prefix.
func (k EncodedKey) HasPrefix(prefix EncodedKey) bool {
	if len(prefix.b) > len(k.b) {
		return false
	}
	for i := range prefix.b {
		if k.b[i] != prefix.b[i] {
			return false
		}
	}
	return true
}

// String renders the key as hex, safe for logging.
func (k EncodedKey) String() string {
	return fmt.Sprintf("%x", k.b)
}

// Clone returns a defensive copy of the key's bytes.
func (k EncodedKey) Clone() EncodedKey {
	cp := make([]byte, len(k.b))
	copy(cp, k.b)
	return EncodedKey{b: cp}
}

// ───────────────────────────────────────────────────────────────────────────
// Builder
// ───────────────────────────────────────────────────────────────────────────

// Builder assembles a composite EncodedKey segment by segment. Segment
// order defines the sort order: whatever is appended first sorts most
// significantly.
type Builder struct {
	buf []byte
}

// NewBuilder starts a new key of the given kind.
func NewBuilder(kind KeyKind) *Builder {
	b := &Builder{buf: make([]byte, 0, 32)}
	b.buf = append(b.buf, byte(kind))
	return b
}

// AppendUint64 appends a big-endian uint64. Big-endian encoding preserves
// numeric ordering under byte-wise comparison.
func (b *Builder) AppendUint64(v uint64) *Builder {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// AppendUint32 appends a big-endian uint32.
func (b *Builder) AppendUint32(v uint32) *Builder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// AppendInt64 appends a sign-flipped big-endian i64 so that negative values
// sort before positive ones under byte-wise comparison.
func (b *Builder) AppendInt64(v int64) *Builder {
	u := uint64(v) ^ (1 << 63)
	return b.AppendUint64(u)
}

// AppendByte appends a single raw byte (used for small fixed enums that
// never need escaping, e.g. a nested KeyKind).
func (b *Builder) AppendByte(v byte) *Builder {
	b.buf = append(b.buf, v)
	return b
}

// AppendBytesEscaped appends a variable-length byte segment using the
// canonical byte-stuffing scheme: every literal 0x00 becomes the two-byte
// sequence 0x00 0x01, and the segment is terminated by 0x00 0x00. This
// keeps prefix scans safe: no encoded segment can contain the raw
// terminator sequence, and shorter segments always sort before longer
// ones that share the same prefix.
func (b *Builder) AppendBytesEscaped(v []byte) *Builder {
	for _, c := range v {
		if c == 0x00 {
			b.buf = append(b.buf, 0x00, 0x01)
		} else {
			b.buf = append(b.buf, c)
		}
	}
	b.buf = append(b.buf, 0x00, 0x00)
	return b
}

// AppendStringEscaped appends a UTF-8 string using the same escaping as
// AppendBytesEscaped.
func (b *Builder) AppendStringEscaped(s string) *Builder {
	return b.AppendBytesEscaped([]byte(s))
}

// AppendRaw appends bytes verbatim with no escaping or terminator. Only
// safe as the final segment of a key, or when the segment has a fixed
// known width (e.g. a nested fixed-width encoding).
func (b *Builder) AppendRaw(v []byte) *Builder {
	b.buf = append(b.buf, v...)
	return b
}

// Build finalizes the key.
func (b *Builder) Build() EncodedKey {
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return EncodedKey{b: out}
}

// ───────────────────────────────────────────────────────────────────────────
// Decoder
// ───────────────────────────────────────────────────────────────────────────

// Decoder reads segments back out of an EncodedKey in the order a Builder
// wrote them. It does not validate KeyKind; callers check Kind() first.
type Decoder struct {
	b   []byte
	pos int
}

// NewDecoder creates a Decoder positioned just past the leading KeyKind
// byte.
func NewDecoder(k EncodedKey) *Decoder {
	pos := 0
	if len(k.b) > 0 {
		pos = 1
	}
	return &Decoder{b: k.b, pos: pos}
}

// Remaining reports how many bytes are left to decode.
func (d *Decoder) Remaining() int { return len(d.b) - d.pos }

// Uint64 reads a big-endian uint64 segment.
func (d *Decoder) Uint64() (uint64, error) {
	if d.Remaining() < 8 {
		return 0, fmt.Errorf("key: short read for uint64 at offset %d", d.pos)
	}
	v := binary.BigEndian.Uint64(d.b[d.pos : d.pos+8])
	d.pos += 8
	return v, nil
}

// Uint32 reads a big-endian uint32 segment.
func (d *Decoder) Uint32() (uint32, error) {
	if d.Remaining() < 4 {
		return 0, fmt.Errorf("key: short read for uint32 at offset %d", d.pos)
	}
	v := binary.BigEndian.Uint32(d.b[d.pos : d.pos+4])
	d.pos += 4
	return v, nil
}

// Int64 reads a sign-flipped big-endian i64 segment.
func (d *Decoder) Int64() (int64, error) {
	u, err := d.Uint64()
	if err != nil {
		return 0, err
	}
	return int64(u ^ (1 << 63)), nil
}

// Byte reads a single raw byte.
func (d *Decoder) Byte() (byte, error) {
	if d.Remaining() < 1 {
		return 0, fmt.Errorf("key: short read for byte at offset %d", d.pos)
	}
	v := d.b[d.pos]
	d.pos++
	return v, nil
}

// BytesEscaped reads a byte-stuffed variable-length segment written by
// AppendBytesEscaped, unescaping 0x00 0x01 -> 0x00 and stopping at the
// 0x00 0x00 terminator.
func (d *Decoder) BytesEscaped() ([]byte, error) {
	out := make([]byte, 0, 16)
	for {
		if d.Remaining() < 1 {
			return nil, fmt.Errorf("key: unterminated escaped segment at offset %d", d.pos)
		}
		c := d.b[d.pos]
		if c != 0x00 {
			out = append(out, c)
			d.pos++
			continue
		}
		// c == 0x00: look at the next byte to disambiguate.
		if d.Remaining() < 2 {
			return nil, fmt.Errorf("key: truncated escape sequence at offset %d", d.pos)
		}
		next := d.b[d.pos+1]
		switch next {
		case 0x01:
			out = append(out, 0x00)
			d.pos += 2
		case 0x00:
			d.pos += 2
			return out, nil
		default:
			return nil, fmt.Errorf("key: invalid escape sequence %#x at offset %d", next, d.pos)
		}
	}
}

// StringEscaped reads a segment written by AppendStringEscaped.
func (d *Decoder) StringEscaped() (string, error) {
	b, err := d.BytesEscaped()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RawRemaining returns every remaining byte verbatim, consuming the rest
// of the key. Used for a final fixed-width or raw tail segment.
func (d *Decoder) RawRemaining() []byte {
	out := d.b[d.pos:]
	d.pos = len(d.b)
	return out
}
