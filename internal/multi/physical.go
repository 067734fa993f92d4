// Package multi implements the multi-version store: every commit's writes
// land at a new physical key formed by appending the commit version to the
// logical key, so point reads, previous-version lookups and range scans
// can all be expressed as ordered scans over one flat keyspace per
// key.KeyKind. Grounded in tinySQL's MVCCTable (internal/storage/mvcc.go),
// which keeps a version chain per row id; here the chain is flattened into
// the key itself instead of a linked list, since the backend only offers
// byte-ordered access.
package multi

import (
	"encoding/binary"

	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

const versionSuffixLen = 8

// physicalKey appends version, big-endian, to logical so that every
// version of the same logical key sorts contiguously and ascending by
// version.
func physicalKey(logical key.EncodedKey, version core.CommitVersion) key.EncodedKey {
	raw := logical.Bytes()
	buf := make([]byte, len(raw)+versionSuffixLen)
	copy(buf, raw)
	binary.BigEndian.PutUint64(buf[len(raw):], uint64(version))
	return key.Raw(buf)
}

// splitPhysical separates a physical key back into its logical prefix and
// version suffix.
func splitPhysical(physical key.EncodedKey) (key.EncodedKey, core.CommitVersion) {
	raw := physical.Bytes()
	n := len(raw) - versionSuffixLen
	logical := key.Raw(append([]byte(nil), raw[:n]...))
	version := core.CommitVersion(binary.BigEndian.Uint64(raw[n:]))
	return logical, version
}

// logicalPrefixBounds returns the physical-key range [lo, hi) that covers
// every version of logical.
func logicalPrefixBounds(logical key.EncodedKey) (key.EncodedKey, key.EncodedKey) {
	lo := physicalKey(logical, 0)
	hi := physicalKey(logical, core.CommitVersion(^uint64(0)))
	// hi must be exclusive of the maximum version too, so nudge one past it
	// by appending a single extra 0xff byte: no valid physical key for this
	// logical prefix can be >= that value since the version suffix is fixed
	// width.
	hiBuf := append(append([]byte(nil), hi.Bytes()...), 0xff)
	return lo, key.Raw(hiBuf)
}
