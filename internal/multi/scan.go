package multi

import (
	"github.com/reifydb/reifydb/internal/backend"
	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

const rawPullPageSize = 512

// rawPuller hands out individual physical backend.Entry values, pulling a
// fresh backend page once the current one is exhausted. It hides
// backend-level pagination from the version-chain merge logic above it.
type rawPuller struct {
	store   *Store
	kind    key.KeyKind
	lo, hi  key.EncodedKey
	reverse bool

	cursor  backend.Cursor
	page    []backend.Entry
	idx     int
	hasMore bool
	started bool
}

func (p *rawPuller) next() (backend.Entry, bool, error) {
	for p.idx >= len(p.page) {
		if p.started && !p.hasMore {
			return backend.Entry{}, false, nil
		}
		var (
			batch backend.RangeBatch
			err   error
		)
		if p.reverse {
			batch, err = p.store.backend.RangeRevNext(p.kind, p.lo, p.hi, p.cursor, rawPullPageSize)
		} else {
			batch, err = p.store.backend.RangeNext(p.kind, p.lo, p.hi, p.cursor, rawPullPageSize)
		}
		if err != nil {
			return backend.Entry{}, false, err
		}
		p.page = batch.Entries
		p.idx = 0
		p.cursor = batch.Next
		p.hasMore = batch.HasMore
		p.started = true
		if len(p.page) == 0 {
			return backend.Entry{}, false, nil
		}
	}
	e := p.page[p.idx]
	p.idx++
	return e, true, nil
}

// Scanner yields one core.MultiVersionEntry per visible logical key, in key
// order, merging and discarding superseded/invisible/tombstoned physical
// versions on the fly. It is the streaming equivalent of calling Get for
// every key in a range, without materializing the whole range first.
type Scanner struct {
	puller *rawPuller
	asOf   core.CommitVersion
	peeked *backend.Entry
	done   bool
}

// Range returns a forward Scanner over logical keys in [start, end) as of
// asOf. An empty start or end means unbounded in that direction.
func (s *Store) Range(kind key.KeyKind, start, end key.EncodedKey, asOf core.CommitVersion) *Scanner {
	return &Scanner{puller: &rawPuller{store: s, kind: kind, lo: boundFor(start), hi: boundFor(end)}, asOf: asOf}
}

// RangeRev returns a reverse Scanner over logical keys in [start, end), as
// of asOf, yielding keys from highest to lowest.
func (s *Store) RangeRev(kind key.KeyKind, start, end key.EncodedKey, asOf core.CommitVersion) *Scanner {
	return &Scanner{puller: &rawPuller{store: s, kind: kind, lo: boundFor(start), hi: boundFor(end), reverse: true}, asOf: asOf}
}

func boundFor(logical key.EncodedKey) key.EncodedKey {
	if logical.IsEmpty() {
		return key.EncodedKey{}
	}
	return physicalKey(logical, 0)
}

func (s *Scanner) fetch() (backend.Entry, bool, error) {
	if s.peeked != nil {
		e := *s.peeked
		s.peeked = nil
		return e, true, nil
	}
	return s.puller.next()
}

// Next advances the scanner and returns the next visible logical key/value
// pair. ok is false once the range is exhausted.
func (s *Scanner) Next() (core.MultiVersionEntry, bool, error) {
	if s.done {
		return core.MultiVersionEntry{}, false, nil
	}
	for {
		first, ok, err := s.fetch()
		if err != nil {
			return core.MultiVersionEntry{}, false, err
		}
		if !ok {
			s.done = true
			return core.MultiVersionEntry{}, false, nil
		}
		logical, firstVersion := splitPhysical(first.Key)

		var best backend.Entry
		var bestVersion core.CommitVersion
		haveBest := false
		if !s.puller.reverse {
			best, bestVersion, haveBest = first, firstVersion, firstVersion <= s.asOf
		} else if firstVersion <= s.asOf {
			best, bestVersion, haveBest = first, firstVersion, true
		}

		for {
			nxt, ok2, err2 := s.puller.next()
			if err2 != nil {
				return core.MultiVersionEntry{}, false, err2
			}
			if !ok2 {
				break
			}
			nl, nv := splitPhysical(nxt.Key)
			if !nl.Equal(logical) {
				s.peeked = &nxt
				break
			}
			if nv > s.asOf {
				continue
			}
			if !s.puller.reverse {
				if !haveBest || nv >= bestVersion {
					best, bestVersion, haveBest = nxt, nv, true
				}
			} else if !haveBest {
				best, bestVersion, haveBest = nxt, nv, true
			}
		}

		if !haveBest {
			continue
		}
		if best.Tombstone {
			continue
		}
		return core.MultiVersionEntry{Key: logical, Version: bestVersion, Values: best.Values}, true, nil
	}
}
