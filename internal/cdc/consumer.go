package cdc

import (
	"encoding/binary"

	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
	"github.com/reifydb/reifydb/internal/txn"
)

// ConsumerInfo is a registered consumer's durable bookkeeping row: its
// name and the highest version it has confirmed processing through.
type ConsumerInfo struct {
	Name       string
	Checkpoint core.CommitVersion
}

// ConsumerRegistry persists consumer identities and checkpoints through
// the same AdminTxn path the Producer uses to persist records, so both
// live in the KindCDC keyspace and share its retention-exempt status.
type ConsumerRegistry struct {
	mgr *txn.Manager
}

// NewConsumerRegistry constructs a registry over mgr.
func NewConsumerRegistry(mgr *txn.Manager) *ConsumerRegistry {
	return &ConsumerRegistry{mgr: mgr}
}

// Register creates (or resets) a consumer's checkpoint to from. Calling
// Register on an already-registered name rewinds it, which is useful for
// a consumer that wants to reprocess history but otherwise should not be
// done casually since it can make the watermark regress.
func (r *ConsumerRegistry) Register(name string, from core.CommitVersion) error {
	admin := r.mgr.BeginAdmin()
	admin.Set(consumerKey(name), encodeCheckpoint(from))
	return admin.Commit()
}

// Unregister removes a consumer, letting the watermark advance past
// whatever it last checkpointed.
func (r *ConsumerRegistry) Unregister(name string) error {
	admin := r.mgr.BeginAdmin()
	if err := admin.Remove(key.KindCDC, consumerKey(name)); err != nil {
		return err
	}
	return admin.Commit()
}

// Checkpoint advances name's checkpoint to version. The consumer must
// already be registered. version must be monotonically non-decreasing per
// consumer; callers that violate this risk moving the watermark
// backwards, so this performs no ordering check itself and trusts the
// caller (mirroring AdminTxn's own skip of conflict checking for internal
// bookkeeping writers).
func (r *ConsumerRegistry) Checkpoint(name string, version core.CommitVersion) error {
	admin := r.mgr.BeginAdmin()
	if _, ok, err := admin.Get(key.KindCDC, consumerKey(name)); err != nil {
		admin.Rollback()
		return err
	} else if !ok {
		admin.Rollback()
		return core.NewNotFound("cdc: checkpoint for unregistered consumer " + name)
	}
	admin.Set(consumerKey(name), encodeCheckpoint(version))
	return admin.Commit()
}

// List returns every registered consumer and its current checkpoint.
func (r *ConsumerRegistry) List() ([]ConsumerInfo, error) {
	q := r.mgr.BeginQuery()
	defer q.Close()

	start, end := consumerScanBounds()
	scanner := q.Range(key.KindCDC, start, end)
	var out []ConsumerInfo
	for {
		e, ok, err := scanner.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		name, err := decodeConsumerName(e.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, ConsumerInfo{Name: name, Checkpoint: decodeCheckpoint(e.Values)})
	}
	return out, nil
}

// Watermark returns the oldest checkpoint across every registered
// consumer, or store's latest committed version (the most aggressive
// possible retention) when there are no consumers at all.
func Watermark(registry *ConsumerRegistry, latestCommitted core.CommitVersion) (core.CommitVersion, error) {
	consumers, err := registry.List()
	if err != nil {
		return 0, err
	}
	if len(consumers) == 0 {
		return latestCommitted, nil
	}
	min := consumers[0].Checkpoint
	for _, c := range consumers[1:] {
		if c.Checkpoint < min {
			min = c.Checkpoint
		}
	}
	return min, nil
}

// ReadRange returns every durable Cdc record with version in
// (fromExclusive, toInclusive], in ascending version order. Intended for
// a consumer catching up since its last checkpoint.
func ReadRange(mgr *txn.Manager, fromExclusive, toInclusive core.CommitVersion) ([]Cdc, error) {
	return ReadRangeLimit(mgr, fromExclusive, toInclusive, 0)
}

// ReadRangeLimit is ReadRange bounded to at most limit records; limit <= 0
// means unbounded. A consumer paginating a large backlog reads a limited
// batch, checkpoints, and calls again from its new checkpoint.
func ReadRangeLimit(mgr *txn.Manager, fromExclusive, toInclusive core.CommitVersion, limit int) ([]Cdc, error) {
	q := mgr.BeginQuery()
	defer q.Close()

	lo := recordKey(uint64(fromExclusive) + 1)
	hi := recordKey(uint64(toInclusive) + 1)
	scanner := q.Range(key.KindCDC, lo, hi)

	var out []Cdc
	for limit <= 0 || len(out) < limit {
		e, ok, err := scanner.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		rec, err := decodeCdc(e.Values.Bytes())
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func encodeCheckpoint(v core.CommitVersion) core.Values {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return core.NewValues(buf[:])
}

func decodeCheckpoint(v core.Values) core.CommitVersion {
	b := v.Bytes()
	if len(b) < 8 {
		return 0
	}
	return core.CommitVersion(binary.BigEndian.Uint64(b))
}

func decodeConsumerName(k key.EncodedKey) (string, error) {
	d := key.NewDecoder(k)
	if _, err := d.Byte(); err != nil {
		return "", err
	}
	return d.StringEscaped()
}
