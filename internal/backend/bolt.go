package backend

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

// Bolt is the warm-tier backend, one bbolt bucket per key.KeyKind. Grounded
// in evalgo-org-eve's use of go.etcd.io/bbolt as its embedded KV store,
// adapted here for the tiered hot/warm/cold placement: bbolt sits between
// the in-memory hot tier and the sqlite cold tier, giving crash-safe
// single-file storage without the relational overhead of a full SQL
// engine.
//
// A Tombstone entry is stored as a zero-length value preceded by a single
// marker byte so a present-but-empty value (Values.Len() == 0) can be told
// apart from a deletion.
type Bolt struct {
	db *bbolt.DB
}

const (
	boltLive      byte = 1
	boltTombstone byte = 0
)

// OpenBolt opens (creating if absent) a bbolt database file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, core.NewBackendIO("backend: opening bolt database").WithCause(err)
	}
	return &Bolt{db: db}, nil
}

func bucketName(kind key.KeyKind) []byte {
	return []byte(fmt.Sprintf("kind:%d", byte(kind)))
}

func (b *Bolt) EnsureTable(kind key.KeyKind) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName(kind))
		return err
	})
}

func (b *Bolt) ClearTable(kind key.KeyKind) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketName(kind)); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketName(kind))
		return err
	})
}

func encodeBoltValue(e Entry) []byte {
	if e.Tombstone {
		return []byte{boltTombstone}
	}
	out := make([]byte, 1+e.Values.Len())
	out[0] = boltLive
	copy(out[1:], e.Values.Bytes())
	return out
}

func decodeBoltValue(raw []byte) (core.Values, bool) {
	if len(raw) == 0 || raw[0] == boltTombstone {
		return core.Values{}, false
	}
	return core.NewValues(append([]byte(nil), raw[1:]...)), true
}

func (b *Bolt) Get(kind key.KeyKind, k key.EncodedKey) (core.Values, bool, error) {
	var values core.Values
	var ok bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketName(kind))
		if bkt == nil {
			return nil
		}
		raw := bkt.Get(k.Bytes())
		if raw == nil {
			return nil
		}
		values, ok = decodeBoltValue(raw)
		return nil
	})
	if err != nil {
		return core.Values{}, false, core.NewBackendIO("backend: bolt get").WithCause(err)
	}
	return values, ok, nil
}

func (b *Bolt) Contains(kind key.KeyKind, k key.EncodedKey) (bool, error) {
	_, ok, err := b.Get(kind, k)
	return ok, err
}

// SetBatch applies every kind's entries in batch inside a single bbolt
// transaction, giving a multi-kind commit the same all-or-nothing
// guarantee bbolt gives any single bucket write: every bucket involved is
// created and filled under one Tx, and a failure on any kind aborts the
// whole update with nothing written.
func (b *Bolt) SetBatch(batch map[key.KeyKind][]Entry) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		for kind, entries := range batch {
			bkt, err := tx.CreateBucketIfNotExists(bucketName(kind))
			if err != nil {
				return err
			}
			for _, e := range entries {
				if err := bkt.Put(e.Key.Bytes(), encodeBoltValue(e)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return core.NewBackendIO("backend: bolt set batch").WithCause(err)
	}
	return nil
}

func (b *Bolt) Delete(kind key.KeyKind, k key.EncodedKey) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketName(kind))
		if bkt == nil {
			return nil
		}
		return bkt.Delete(k.Bytes())
	})
	if err != nil {
		return core.NewBackendIO("backend: bolt delete").WithCause(err)
	}
	return nil
}

func (b *Bolt) RangeNext(kind key.KeyKind, start, end key.EncodedKey, cursor Cursor, limit int) (RangeBatch, error) {
	var out []Entry
	var hasMore bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketName(kind))
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		var k, v []byte
		if cursor.started {
			k, v = c.Seek(cursor.last.Bytes())
			if k != nil && string(k) == string(cursor.last.Bytes()) {
				k, v = c.Next()
			}
		} else if !start.IsEmpty() {
			k, v = c.Seek(start.Bytes())
		} else {
			k, v = c.First()
		}
		for ; k != nil; k, v = c.Next() {
			ek := key.Raw(append([]byte(nil), k...))
			if !end.IsEmpty() && ek.Compare(end) >= 0 {
				break
			}
			if len(out) == limit {
				hasMore = true
				return nil
			}
			values, ok := decodeBoltValue(v)
			out = append(out, Entry{Key: ek, Values: values, Tombstone: !ok})
		}
		return nil
	})
	if err != nil {
		return RangeBatch{}, core.NewBackendIO("backend: bolt range").WithCause(err)
	}
	next := cursor
	if len(out) > 0 {
		next = Cursor{last: out[len(out)-1].Key, started: true}
	}
	return RangeBatch{Entries: out, Next: next, HasMore: hasMore}, nil
}

func (b *Bolt) RangeRevNext(kind key.KeyKind, start, end key.EncodedKey, cursor Cursor, limit int) (RangeBatch, error) {
	var out []Entry
	var hasMore bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketName(kind))
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		var k, v []byte
		if cursor.started {
			k, v = c.Seek(cursor.last.Bytes())
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else if !end.IsEmpty() {
			k, v = c.Seek(end.Bytes())
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}
		for ; k != nil; k, v = c.Prev() {
			ek := key.Raw(append([]byte(nil), k...))
			if !start.IsEmpty() && ek.Compare(start) < 0 {
				break
			}
			if len(out) == limit {
				hasMore = true
				return nil
			}
			values, ok := decodeBoltValue(v)
			out = append(out, Entry{Key: ek, Values: values, Tombstone: !ok})
		}
		return nil
	})
	if err != nil {
		return RangeBatch{}, core.NewBackendIO("backend: bolt range reverse").WithCause(err)
	}
	next := cursor
	if len(out) > 0 {
		next = Cursor{last: out[len(out)-1].Key, started: true}
	}
	return RangeBatch{Entries: out, Next: next, HasMore: hasMore}, nil
}

func (b *Bolt) Stats() []Stats {
	s := Stats{Tier: "warm"}
	_ = b.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, bkt *bbolt.Bucket) error {
			s.KeyCount += int64(bkt.Stats().KeyN)
			return nil
		})
	})
	return []Stats{s}
}

func (b *Bolt) Close() error {
	if err := b.db.Close(); err != nil {
		return core.NewBackendIO("backend: closing bolt database").WithCause(err)
	}
	return nil
}
