package backend

import (
	"sort"
	"sync"

	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

// Memory is the hot-tier backend: every entry lives in a sorted in-process
// slice per kind. Grounded in tinySQL's in-memory Table model (a slice kept
// sorted by key, binary-searched on read, spliced on write) generalized
// from row-tuples to opaque encoded-key/value pairs.
//
// Locking follows tinySQL's concurrency.go convention of one mutex per
// logical partition rather than a single global lock; kinds are locked in
// ascending key.KeyKind order wherever an operation must touch more than
// one. SetBatch is the one operation that regularly does: a commit
// spanning several kinds takes every touched table's lock up front, in
// that canonical order, before applying any entry, so no reader can
// observe a partially-applied multi-kind commit and no two SetBatch calls
// can deadlock against each other over the same tables.
type Memory struct {
	mu     sync.RWMutex
	tables map[key.KeyKind]*memTable
	stats  Stats
}

type memTable struct {
	mu      sync.RWMutex
	entries []Entry // kept sorted ascending by Entry.Key
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		tables: make(map[key.KeyKind]*memTable),
		stats:  Stats{Tier: "memory"},
	}
}

func (m *Memory) table(kind key.KeyKind) *memTable {
	m.mu.RLock()
	t, ok := m.tables[kind]
	m.mu.RUnlock()
	if ok {
		return t
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok = m.tables[kind]; ok {
		return t
	}
	t = &memTable{}
	m.tables[kind] = t
	return t
}

func (m *Memory) EnsureTable(kind key.KeyKind) error {
	m.table(kind)
	return nil
}

func (m *Memory) ClearTable(kind key.KeyKind) error {
	t := m.table(kind)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
	return nil
}

func (t *memTable) search(k key.EncodedKey) (int, bool) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Key.Compare(k) >= 0
	})
	if i < len(t.entries) && t.entries[i].Key.Equal(k) {
		return i, true
	}
	return i, false
}

func (m *Memory) Get(kind key.KeyKind, k key.EncodedKey) (core.Values, bool, error) {
	t := m.table(kind)
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, found := t.search(k)
	if !found || t.entries[i].Tombstone {
		return core.Values{}, false, nil
	}
	return t.entries[i].Values, true, nil
}

func (m *Memory) Contains(kind key.KeyKind, k key.EncodedKey) (bool, error) {
	_, ok, err := m.Get(kind, k)
	return ok, err
}

func (m *Memory) SetBatch(batch map[key.KeyKind][]Entry) error {
	kinds := make([]key.KeyKind, 0, len(batch))
	for kind := range batch {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	tables := make([]*memTable, len(kinds))
	for i, kind := range kinds {
		tables[i] = m.table(kind)
	}
	for _, t := range tables {
		t.mu.Lock()
	}
	defer func() {
		for i := len(tables) - 1; i >= 0; i-- {
			tables[i].mu.Unlock()
		}
	}()

	for i, kind := range kinds {
		t := tables[i]
		for _, e := range batch[kind] {
			idx, found := t.search(e.Key)
			if found {
				t.entries[idx] = e
				continue
			}
			t.entries = append(t.entries, Entry{})
			copy(t.entries[idx+1:], t.entries[idx:])
			t.entries[idx] = e
		}
	}
	return nil
}

func (m *Memory) Delete(kind key.KeyKind, k key.EncodedKey) error {
	t := m.table(kind)
	t.mu.Lock()
	defer t.mu.Unlock()
	i, found := t.search(k)
	if !found {
		return nil
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	return nil
}

func (m *Memory) RangeNext(kind key.KeyKind, start, end key.EncodedKey, cursor Cursor, limit int) (RangeBatch, error) {
	t := m.table(kind)
	t.mu.RLock()
	defer t.mu.RUnlock()

	var i int
	if cursor.started {
		// Resume strictly after the last returned key.
		i = sort.Search(len(t.entries), func(i int) bool {
			return t.entries[i].Key.Compare(cursor.last) > 0
		})
	} else {
		i = sort.Search(len(t.entries), func(i int) bool {
			return t.entries[i].Key.Compare(start) >= 0
		})
	}

	var out []Entry
	for ; i < len(t.entries); i++ {
		e := t.entries[i]
		if !end.IsEmpty() && e.Key.Compare(end) >= 0 {
			break
		}
		if len(out) == limit {
			return RangeBatch{Entries: out, Next: Cursor{last: out[len(out)-1].Key, started: true}, HasMore: true}, nil
		}
		out = append(out, e)
	}
	var next Cursor
	if len(out) > 0 {
		next = Cursor{last: out[len(out)-1].Key, started: true}
	} else {
		next = cursor
	}
	return RangeBatch{Entries: out, Next: next, HasMore: false}, nil
}

func (m *Memory) RangeRevNext(kind key.KeyKind, start, end key.EncodedKey, cursor Cursor, limit int) (RangeBatch, error) {
	t := m.table(kind)
	t.mu.RLock()
	defer t.mu.RUnlock()

	hi := len(t.entries)
	if cursor.started {
		hi = sort.Search(len(t.entries), func(i int) bool {
			return t.entries[i].Key.Compare(cursor.last) >= 0
		})
	} else if !end.IsEmpty() {
		hi = sort.Search(len(t.entries), func(i int) bool {
			return t.entries[i].Key.Compare(end) >= 0
		})
	}

	var out []Entry
	for i := hi - 1; i >= 0; i-- {
		e := t.entries[i]
		if !start.IsEmpty() && e.Key.Compare(start) < 0 {
			break
		}
		if len(out) == limit {
			return RangeBatch{Entries: out, Next: Cursor{last: out[len(out)-1].Key, started: true}, HasMore: true}, nil
		}
		out = append(out, e)
	}
	var next Cursor
	if len(out) > 0 {
		next = Cursor{last: out[len(out)-1].Key, started: true}
	} else {
		next = cursor
	}
	return RangeBatch{Entries: out, Next: next, HasMore: false}, nil
}

func (m *Memory) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stats
	var count int64
	for _, t := range m.tables {
		t.mu.RLock()
		count += int64(len(t.entries))
		t.mu.RUnlock()
	}
	s.KeyCount = count
	return []Stats{s}
}

func (m *Memory) Close() error { return nil }
