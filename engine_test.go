package reifydb

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/reifydb/reifydb/internal/cdc"
	"github.com/reifydb/reifydb/internal/config"
	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/flow"
	"github.com/reifydb/reifydb/internal/key"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Defaults()
	// Keep the periodic sweep out of the way; tests that need a sweep
	// force one with Engine.Sweep.
	cfg.Cdc.CleanupInterval = time.Hour
	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func testRowKey(s string) key.EncodedKey {
	return key.NewBuilder(key.KindRow).AppendStringEscaped(s).Build()
}

func commitRow(t *testing.T, e *Engine, k string, v []byte) core.CommitVersion {
	t.Helper()
	tx := e.BeginCommand()
	tx.Set(testRowKey(k), core.NewValues(v))
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit %q: %v", k, err)
	}
	return tx.Version()
}

// waitForCdcThrough polls the durable CDC log until a record for version
// exists, since the producer persists records on its own goroutine.
func waitForCdcThrough(t *testing.T, e *Engine, version core.CommitVersion) []cdc.Cdc {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		recs, err := e.ReadRange(0, version)
		if err == nil {
			for _, r := range recs {
				if r.Version == version {
					return recs
				}
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("cdc record for version %d never appeared", version)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCommitReadAndTimeTravel(t *testing.T) {
	e := openTestEngine(t)

	v1 := commitRow(t, e, "a", []byte{1})
	if v1 != 1 {
		t.Fatalf("expected first commit at version 1, got %d", v1)
	}

	q := e.BeginQuery()
	got, ok, err := q.Get(key.KindRow, testRowKey("a"))
	q.Close()
	if err != nil || !ok || got.Bytes()[0] != 1 {
		t.Fatalf("read after first commit: ok=%v err=%v v=%v", ok, err, got.Bytes())
	}

	v2 := commitRow(t, e, "a", []byte{2})
	if v2 != v1+1 {
		t.Fatalf("expected second commit at %d, got %d", v1+1, v2)
	}

	q2 := e.BeginQuery()
	got, ok, err = q2.Get(key.KindRow, testRowKey("a"))
	q2.Close()
	if err != nil || !ok || got.Bytes()[0] != 2 {
		t.Fatalf("read after second commit: ok=%v err=%v v=%v", ok, err, got.Bytes())
	}

	tt := e.BeginQuery()
	defer tt.Close()
	if err := tt.ReadAsOfVersion(v1); err != nil {
		t.Fatalf("time travel to %d: %v", v1, err)
	}
	got, ok, err = tt.Get(key.KindRow, testRowKey("a"))
	if err != nil || !ok || got.Bytes()[0] != 1 {
		t.Fatalf("time-travel read: ok=%v err=%v v=%v", ok, err, got.Bytes())
	}
}

func TestEmptyCommitIsInvisible(t *testing.T) {
	e := openTestEngine(t)
	commitRow(t, e, "seed", []byte{1})

	empty := e.BeginCommand()
	if err := empty.Commit(); err != nil {
		t.Fatalf("empty commit: %v", err)
	}
	if got := empty.Version(); got != 0 {
		t.Fatalf("expected version 0 from an empty commit, got %d", got)
	}
	if got := e.LastCommittedVersion(); got != 1 {
		t.Fatalf("expected last committed version to stay at 1, got %d", got)
	}
}

func TestSerializationConflictSurfacesAsRetryableKind(t *testing.T) {
	e := openTestEngine(t)
	commitRow(t, e, "a", []byte{1})

	t1 := e.BeginCommand()
	if _, _, err := t1.Get(key.KindRow, testRowKey("a")); err != nil {
		t.Fatalf("t1 read: %v", err)
	}

	t2 := e.BeginCommand()
	t2.Set(testRowKey("a"), core.NewValues([]byte{9}))
	if err := t2.Commit(); err != nil {
		t.Fatalf("t2 commit: %v", err)
	}

	t1.Set(testRowKey("b"), core.NewValues([]byte{1}))
	err := t1.Commit()
	if err == nil {
		t.Fatalf("expected t1 to fail: it read a key t2 overwrote after t1's snapshot")
	}
	if !core.IsKind(err, core.KindSerializationConflict) {
		t.Fatalf("expected a SerializationConflict kind, got %v", err)
	}
}

func TestCdcRecordsAppearInCommitOrder(t *testing.T) {
	e := openTestEngine(t)

	keys := []string{"x", "y", "z"}
	var last core.CommitVersion
	for _, k := range keys {
		last = commitRow(t, e, k, []byte(k))
	}

	recs := waitForCdcThrough(t, e, last)
	if len(recs) != len(keys) {
		t.Fatalf("expected %d cdc records, got %d", len(keys), len(recs))
	}
	for i, rec := range recs {
		if rec.Version != core.CommitVersion(i+1) {
			t.Fatalf("record %d: expected version %d, got %d", i, i+1, rec.Version)
		}
		if len(rec.Changes) != 1 {
			t.Fatalf("record %d: expected exactly one change, got %d", i, len(rec.Changes))
		}
		if !rec.Changes[0].Key.Equal(testRowKey(keys[i])) {
			t.Fatalf("record %d: expected change for key %q", i, keys[i])
		}
	}
}

func TestRetentionSweepCompactsHistoricalVersions(t *testing.T) {
	e := openTestEngine(t)
	e.SetRetentionPolicy(key.KindRow, core.KeepLastN(1))

	var versions []core.CommitVersion
	for _, v := range [][]byte{{1}, {2}, {3}} {
		versions = append(versions, commitRow(t, e, "k", v))
	}
	waitForCdcThrough(t, e, versions[2])

	name, err := e.RegisterConsumer("sweeper", 0)
	if err != nil {
		t.Fatalf("register consumer: %v", err)
	}
	if err := e.Checkpoint(name, versions[2]); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	e.Sweep()

	// The middle version is compacted away: a time-travel read below the
	// retained tail comes back empty.
	tt := e.BeginQuery()
	defer tt.Close()
	if err := tt.ReadAsOfVersion(versions[1]); err != nil {
		t.Fatalf("time travel: %v", err)
	}
	if _, ok, _ := tt.Get(key.KindRow, testRowKey("k")); ok {
		t.Fatalf("expected version %d to be compacted away", versions[1])
	}

	q := e.BeginQuery()
	defer q.Close()
	v, ok, err := q.Get(key.KindRow, testRowKey("k"))
	if err != nil || !ok || v.Bytes()[0] != 3 {
		t.Fatalf("latest version must survive the sweep: ok=%v err=%v v=%v", ok, err, v.Bytes())
	}
}

func intValues(n int64) core.Values {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	return core.NewValues(buf[:])
}

func TestFlowBackfillMaterializesFilteredView(t *testing.T) {
	e := openTestEngine(t)

	var last core.CommitVersion
	for i := int64(1); i <= 5; i++ {
		tx := e.BeginCommand()
		tx.Set(key.NewBuilder(key.KindRow).AppendUint64(uint64(i)).Build(), intValues(i))
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit row %d: %v", i, err)
		}
		last = tx.Version()
	}
	waitForCdcThrough(t, e, last)

	dag := flow.NewFlowDag(0)
	if err := dag.AddSource(1, key.KindRow, flow.Identity{}); err != nil {
		t.Fatalf("add source: %v", err)
	}
	filter := flow.Filter{Predicate: func(v core.Values) bool {
		return int64(binary.BigEndian.Uint64(v.Bytes())) > 2
	}}
	if err := dag.AddNode(2, flow.OpFilter, filter, 1); err != nil {
		t.Fatalf("add filter: %v", err)
	}
	if err := dag.AddNode(3, flow.OpSink, flow.Sink{}, 2); err != nil {
		t.Fatalf("add sink: %v", err)
	}
	id, err := e.CreateFlow(dag)
	if err != nil {
		t.Fatalf("create flow: %v", err)
	}

	if err := e.Backfill(last); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	lo, hi := flow.ViewRowBounds(id)
	q := e.BeginQuery()
	defer q.Close()
	var got []int64
	err = q.RangeStream(key.KindRow, lo, hi, func(entry core.MultiVersionEntry) error {
		got = append(got, int64(binary.BigEndian.Uint64(entry.Values.Bytes())))
		return nil
	})
	if err != nil {
		t.Fatalf("view scan: %v", err)
	}
	if len(got) != 3 || got[0] != 3 || got[1] != 4 || got[2] != 5 {
		t.Fatalf("expected backfilled view [3 4 5], got %v", got)
	}
}

// Re-applying an already-processed CDC batch to a caught-up flow must not
// duplicate view rows or advance the checkpoint past the original target.
func TestConsumeIsIdempotentForCaughtUpFlow(t *testing.T) {
	e := openTestEngine(t)

	tx := e.BeginCommand()
	tx.Set(key.NewBuilder(key.KindRow).AppendUint64(1).Build(), intValues(7))
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	last := tx.Version()
	recs := waitForCdcThrough(t, e, last)

	dag := flow.NewFlowDag(0)
	if err := dag.AddSource(1, key.KindRow, flow.Identity{}); err != nil {
		t.Fatalf("add source: %v", err)
	}
	if err := dag.AddNode(2, flow.OpSink, flow.Sink{}, 1); err != nil {
		t.Fatalf("add sink: %v", err)
	}
	id, err := e.CreateFlow(dag)
	if err != nil {
		t.Fatalf("create flow: %v", err)
	}
	if err := e.Backfill(last); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	countView := func() int {
		lo, hi := flow.ViewRowBounds(id)
		q := e.BeginQuery()
		defer q.Close()
		n := 0
		if err := q.RangeStream(key.KindRow, lo, hi, func(core.MultiVersionEntry) error {
			n++
			return nil
		}); err != nil {
			t.Fatalf("view scan: %v", err)
		}
		return n
	}
	if n := countView(); n != 1 {
		t.Fatalf("expected one view row after backfill, got %d", n)
	}

	// Replay the same batch through the live path twice; the sink writes
	// the same view key with the same value both times.
	for i := 0; i < 2; i++ {
		deltas, err := e.Consume(recs)
		if err != nil {
			t.Fatalf("consume replay %d: %v", i, err)
		}
		admin := e.BeginAdmin()
		admin.Merge(deltas)
		if err := admin.Commit(); err != nil {
			t.Fatalf("commit replay %d: %v", i, err)
		}
	}
	if n := countView(); n != 1 {
		t.Fatalf("expected replay to leave exactly one view row, got %d", n)
	}
}
