package multi

import (
	"github.com/reifydb/reifydb/internal/backend"
	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

// FlushDropWorker runs the deferred, watermark-bounded retention sweep
// synchronously: the spec-mandated operation that lets tests and stats
// queries force the store's historical versions (and any logical key an
// AdminTxn staged a Drop delta against) to converge to watermark without
// waiting for the periodic cdc.Cleanup cadence.
func (s *Store) FlushDropWorker(watermark core.CommitVersion) error {
	return s.DropBefore(watermark)
}

// DropBefore runs a retention sweep across every key.KeyKind this store has
// ever committed to, deleting physical versions that fall outside each
// kind's RetentionPolicy (or, for a logical key an AdminTxn staged an
// explicit Drop delta against, that key's own queued policy) relative to
// watermark. Called periodically by the CDC package's cleanup job once it
// has computed a safe watermark from consumer checkpoints.
func (s *Store) DropBefore(watermark core.CommitVersion) error {
	s.mu.Lock()
	kinds := make([]key.KeyKind, 0, len(s.seenKinds))
	for k := range s.seenKinds {
		kinds = append(kinds, k)
	}
	s.mu.Unlock()

	for _, kind := range kinds {
		if err := s.dropBeforeKind(kind, watermark); err != nil {
			return err
		}
	}
	return nil
}

const dropScanPageSize = 4096

// retentionOverride reports the policy an AdminTxn.Drop staged for this
// exact logical key, if any, queued by Commit against keyPolicies rather
// than applied eagerly so it converges through this same watermark-bounded
// sweep as every other key's default retention.
func (s *Store) retentionOverride(logical key.EncodedKey) (core.RetentionPolicy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.keyPolicies[rawKeyString(logical)]
	return p, ok
}

// dropBeforeKind walks the entire physical keyspace for kind once,
// grouping contiguous physical entries that share a logical-key prefix
// (every version of one logical key is contiguous under ascending physical
// order) and applying survivingVersions per group.
func (s *Store) dropBeforeKind(kind key.KeyKind, watermark core.CommitVersion) error {
	policy := s.retentionFor(kind)

	dropRecorder, _ := s.stats.(DropRecorder)
	var droppedCount, droppedKeyBytes, droppedValueBytes int64

	var group []backend.Entry
	var groupLogical key.EncodedKey
	flush := func() error {
		if len(group) == 0 {
			return nil
		}
		groupPolicy := policy
		if override, ok := s.retentionOverride(groupLogical); ok {
			groupPolicy = override
		}
		keep := survivingVersions(group, groupPolicy, watermark)
		for _, e := range group {
			if !keep[e.Key.String()] {
				if err := s.backend.Delete(kind, e.Key); err != nil {
					return err
				}
				droppedCount++
				droppedKeyBytes += int64(e.Key.Len())
				droppedValueBytes += int64(e.Values.Len())
			}
		}
		group = group[:0]
		return nil
	}

	cursor := backend.Cursor{}
	for {
		page, err := s.backend.RangeNext(kind, key.EncodedKey{}, key.EncodedKey{}, cursor, dropScanPageSize)
		if err != nil {
			return err
		}
		for _, e := range page.Entries {
			logical, _ := splitPhysical(e.Key)
			if len(group) > 0 && !logical.Equal(groupLogical) {
				if err := flush(); err != nil {
					return err
				}
			}
			groupLogical = logical
			group = append(group, e)
		}
		if !page.HasMore {
			break
		}
		cursor = page.Next
	}
	if err := flush(); err != nil {
		return err
	}
	if dropRecorder != nil && droppedCount > 0 {
		dropRecorder.RecordDrop(kind, droppedKeyBytes, droppedValueBytes, droppedCount)
	}
	return nil
}
