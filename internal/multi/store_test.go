package multi

import (
	"testing"

	"github.com/reifydb/reifydb/internal/backend"
	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

func rowKey(n uint64) key.EncodedKey {
	return key.NewBuilder(key.KindRow).AppendUint64(n).Build()
}

func cdcKey(n uint64) key.EncodedKey {
	return key.NewBuilder(key.KindCDC).AppendUint64(n).Build()
}

func newTestStore() *Store {
	return New(backend.NewMemory(), nil, nil)
}

// failAfterBackend wraps a real Backend and fails SetBatch whenever the
// incoming batch touches failOn, but only after writing every other
// kind's entries through first — simulating a backend that is not
// internally atomic across kinds, so a test against it can tell apart a
// Store.Commit that merely forwards one multi-kind call (this double)
// from one that actually enforces all-or-nothing itself.
type failAfterBackend struct {
	backend.Backend
	failOn key.KeyKind
}

func (f failAfterBackend) SetBatch(batch map[key.KeyKind][]backend.Entry) error {
	if _, ok := batch[f.failOn]; !ok {
		return f.Backend.SetBatch(batch)
	}
	rest := make(map[key.KeyKind][]backend.Entry, len(batch))
	for kind, entries := range batch {
		if kind != f.failOn {
			rest[kind] = entries
		}
	}
	if len(rest) > 0 {
		if err := f.Backend.SetBatch(rest); err != nil {
			return err
		}
	}
	return core.NewBackendIO("multi: simulated backend failure on kind " + f.failOn.String())
}

func TestCommitAndGetVisibility(t *testing.T) {
	s := newTestStore()
	k := rowKey(1)

	if err := s.Commit([]core.Delta{core.Set(k, core.NewValues([]byte("v1")))}, 1); err != nil {
		t.Fatalf("commit v1: %v", err)
	}
	if err := s.Commit([]core.Delta{core.Set(k, core.NewValues([]byte("v2")))}, 2); err != nil {
		t.Fatalf("commit v2: %v", err)
	}

	v, ok, err := s.Get(key.KindRow, k, 1)
	if err != nil || !ok {
		t.Fatalf("get@1: ok=%v err=%v", ok, err)
	}
	if string(v.Bytes()) != "v1" {
		t.Fatalf("expected v1 as of version 1, got %q", v.Bytes())
	}

	v, ok, err = s.Get(key.KindRow, k, 2)
	if err != nil || !ok {
		t.Fatalf("get@2: ok=%v err=%v", ok, err)
	}
	if string(v.Bytes()) != "v2" {
		t.Fatalf("expected v2 as of version 2, got %q", v.Bytes())
	}
}

func TestCommitRejectsNonMonotonicVersion(t *testing.T) {
	s := newTestStore()
	k := rowKey(1)
	if err := s.Commit([]core.Delta{core.Set(k, core.NewValues([]byte("v1")))}, 5); err != nil {
		t.Fatalf("commit v5: %v", err)
	}
	err := s.Commit([]core.Delta{core.Set(k, core.NewValues([]byte("v-old")))}, 3)
	if !core.IsKind(err, core.KindVersionOutOfOrder) {
		t.Fatalf("expected VersionOutOfOrder, got %v", err)
	}
}

func TestUnsetHidesKeyButPreservesHistory(t *testing.T) {
	s := newTestStore()
	k := rowKey(1)
	_ = s.Commit([]core.Delta{core.Set(k, core.NewValues([]byte("v1")))}, 1)
	_ = s.Commit([]core.Delta{core.Unset(k, core.NewValues([]byte("v1")))}, 2)

	_, ok, err := s.Get(key.KindRow, k, 2)
	if err != nil {
		t.Fatalf("get@2: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be invisible after unset")
	}

	prev, ok, err := s.GetPreviousVersion(key.KindRow, k, 2)
	if err != nil || !ok {
		t.Fatalf("get previous: ok=%v err=%v", ok, err)
	}
	if string(prev.Values.Bytes()) != "v1" {
		t.Fatalf("expected previous version v1, got %q", prev.Values.Bytes())
	}
}

func TestRangeScanMergesVersionChains(t *testing.T) {
	s := newTestStore()
	for i := uint64(0); i < 5; i++ {
		_ = s.Commit([]core.Delta{core.Set(rowKey(i), core.NewValues([]byte{byte(i)}))}, core.CommitVersion(i+1))
	}
	// Overwrite key 2 at a later version.
	_ = s.Commit([]core.Delta{core.Set(rowKey(2), core.NewValues([]byte{99}))}, 10)

	scanner := s.Range(key.KindRow, key.EncodedKey{}, key.EncodedKey{}, 10)
	var got []byte
	for {
		e, ok, err := scanner.Next()
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, e.Values.Bytes()[0])
	}
	want := []byte{0, 1, 99, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDropBeforeAppliesKeepLatest(t *testing.T) {
	s := newTestStore()
	k := rowKey(1)
	_ = s.Commit([]core.Delta{core.Set(k, core.NewValues([]byte("v1")))}, 1)
	_ = s.Commit([]core.Delta{core.Set(k, core.NewValues([]byte("v2")))}, 2)
	_ = s.Commit([]core.Delta{core.Set(k, core.NewValues([]byte("v3")))}, 3)

	if err := s.DropBefore(3); err != nil {
		t.Fatalf("drop before: %v", err)
	}

	if _, ok, _ := s.GetPreviousVersion(key.KindRow, k, 3); ok {
		t.Fatalf("expected history before the latest version to be dropped")
	}
	v, ok, err := s.Get(key.KindRow, k, 3)
	if err != nil || !ok || string(v.Bytes()) != "v3" {
		t.Fatalf("expected latest version v3 to survive, ok=%v err=%v v=%q", ok, err, v.Bytes())
	}
}

func TestDeltaDropIsDeferredUntilWatermarkSweep(t *testing.T) {
	s := newTestStore()
	k := rowKey(1)
	_ = s.Commit([]core.Delta{core.Set(k, core.NewValues([]byte("v1")))}, 1)
	_ = s.Commit([]core.Delta{core.Set(k, core.NewValues([]byte("v2")))}, 2)

	if err := s.Commit([]core.Delta{core.DropWith(k, core.KeepLatest())}, 3); err != nil {
		t.Fatalf("commit drop: %v", err)
	}

	// A reader's in-flight snapshot must still see the history the Drop
	// named: the sweep has not run yet, so nothing has actually been
	// removed by the commit that merely queued the policy.
	if _, ok, err := s.GetPreviousVersion(key.KindRow, k, 2); err != nil || !ok {
		t.Fatalf("expected v1 to still be present before the sweep runs, ok=%v err=%v", ok, err)
	}

	// A watermark below the queued drop's target must not converge it —
	// nothing in this key's chain is at or before watermark 1 besides v1
	// itself, so DropBefore(1) has no effect on the v1/v2 pair.
	if err := s.FlushDropWorker(1); err != nil {
		t.Fatalf("flush drop worker @1: %v", err)
	}
	if _, ok, _ := s.GetPreviousVersion(key.KindRow, k, 2); !ok {
		t.Fatalf("expected v1 to survive a sweep whose watermark does not reach it")
	}

	if err := s.FlushDropWorker(3); err != nil {
		t.Fatalf("flush drop worker @3: %v", err)
	}
	if _, ok, _ := s.GetPreviousVersion(key.KindRow, k, 2); ok {
		t.Fatalf("expected v1 to be dropped once the sweep converges past the queued policy's watermark")
	}
	v, ok, err := s.Get(key.KindRow, k, 3)
	if err != nil || !ok || string(v.Bytes()) != "v2" {
		t.Fatalf("expected latest version v2 to survive KeepLatest, ok=%v err=%v v=%q", ok, err, v.Bytes())
	}
}

// TestCommitSpanningMultipleKindsIsOneAtomicBatch mirrors a flow sink
// commit that writes a materialized row (key.KindRow) and its operator
// state (key.KindCDC here, standing in for key.KindFlowState) in the same
// Commit call: both must land from the single backend.SetBatch call
// Store.Commit issues, not from two independent per-kind writes.
func TestCommitSpanningMultipleKindsIsOneAtomicBatch(t *testing.T) {
	s := newTestStore()
	rk, ck := rowKey(1), cdcKey(1)

	deltas := []core.Delta{
		core.Set(rk, core.NewValues([]byte("row"))),
		core.Set(ck, core.NewValues([]byte("cdc"))),
	}
	if err := s.Commit(deltas, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if v, ok, err := s.Get(key.KindRow, rk, 1); err != nil || !ok || string(v.Bytes()) != "row" {
		t.Fatalf("expected row entry from the same commit to be visible, ok=%v err=%v", ok, err)
	}
	if v, ok, err := s.Get(key.KindCDC, ck, 1); err != nil || !ok || string(v.Bytes()) != "cdc" {
		t.Fatalf("expected cdc entry from the same commit to be visible, ok=%v err=%v", ok, err)
	}
}

// TestCommitFailureLeavesNoKindVisibleAndVersionUnadvanced exercises the
// all-or-nothing requirement against a backend that is not atomic across
// kinds itself (failAfterBackend writes key.KindRow then fails on
// key.KindCDC): Store.Commit must still surface the error, must not leave
// the row entry it already wrote durably visible to readers of this
// failed commit's version, and must not advance LastCommittedVersion past
// a commit that never fully landed.
func TestCommitFailureLeavesNoKindVisibleAndVersionUnadvanced(t *testing.T) {
	b := failAfterBackend{Backend: backend.NewMemory(), failOn: key.KindCDC}
	s := New(b, nil, nil)
	rk, ck := rowKey(1), cdcKey(1)

	deltas := []core.Delta{
		core.Set(rk, core.NewValues([]byte("row"))),
		core.Set(ck, core.NewValues([]byte("cdc"))),
	}
	if err := s.Commit(deltas, 1); err == nil {
		t.Fatalf("expected the simulated backend failure to surface")
	}

	if s.LastCommittedVersion() != 0 {
		t.Fatalf("expected LastCommittedVersion to stay at 0 after a failed commit, got %d", s.LastCommittedVersion())
	}

	// If the failed attempt had advanced lastVersion to 1, retrying at
	// version 1 would be rejected as VersionOutOfOrder before the
	// backend is even consulted. Getting the same simulated backend
	// failure back instead proves the oracle never moved.
	err := s.Commit(deltas, 1)
	if core.IsKind(err, core.KindVersionOutOfOrder) {
		t.Fatalf("commit version was advanced despite the backend failure")
	}
	if err == nil {
		t.Fatalf("expected the simulated backend failure to surface again")
	}
}
