package cdc

import "github.com/reifydb/reifydb/internal/key"

func keyKindFromByte(b byte) key.KeyKind { return key.KeyKind(b) }

func rawKey(b []byte) key.EncodedKey { return key.Raw(append([]byte(nil), b...)) }

// recordKey is the physical key a Cdc record is stored under: KindCDC,
// then the commit version big-endian so records sort and scan in commit
// order.
func recordKey(version uint64) key.EncodedKey {
	return key.NewBuilder(key.KindCDC).AppendByte(cdcSubRecord).AppendUint64(version).Build()
}

// consumerKey is where a registered consumer's identity and checkpoint is
// persisted, keyed by its name.
func consumerKey(name string) key.EncodedKey {
	return key.NewBuilder(key.KindCDC).AppendByte(cdcSubConsumer).AppendStringEscaped(name).Build()
}

// consumerScanBounds returns the [start,end) range covering every
// registered consumer key.
func consumerScanBounds() (key.EncodedKey, key.EncodedKey) {
	start := key.NewBuilder(key.KindCDC).AppendByte(cdcSubConsumer).Build()
	end := key.NewBuilder(key.KindCDC).AppendByte(cdcSubConsumer + 1).Build()
	return start, end
}

// recordScanBounds returns the [start,end) range covering every durable
// Cdc record, regardless of version. Callers wanting a version-bounded
// sub-range build their own hi/lo with recordKey instead.
func recordScanBounds() (key.EncodedKey, key.EncodedKey) {
	start := key.NewBuilder(key.KindCDC).AppendByte(cdcSubRecord).Build()
	end := key.NewBuilder(key.KindCDC).AppendByte(cdcSubRecord + 1).Build()
	return start, end
}

// Sub-key-space discriminators within key.KindCDC. A single leading byte
// partitions durable Cdc records from consumer checkpoint rows so a range
// scan over one never picks up the other.
const (
	cdcSubRecord   byte = 1
	cdcSubConsumer byte = 2
)
