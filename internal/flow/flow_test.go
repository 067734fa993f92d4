package flow

import (
	"encoding/binary"
	"testing"

	"github.com/reifydb/reifydb/internal/backend"
	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/event"
	"github.com/reifydb/reifydb/internal/key"
	"github.com/reifydb/reifydb/internal/multi"
	"github.com/reifydb/reifydb/internal/txn"
)

func newHarness() *txn.Manager {
	bus := event.NewBus()
	store := multi.New(backend.NewMemory(), bus, nil)
	return txn.NewManager(store, bus)
}

func intRow(n int64) core.Values {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	return core.NewValues(buf[:])
}

func rowAsInt(v core.Values) int64 {
	return int64(binary.BigEndian.Uint64(v.Bytes()))
}

func sourceRowKey(n uint64) key.EncodedKey {
	return key.NewBuilder(key.KindRow).AppendUint64(n).Build()
}

// buildFilterSinkDag mirrors the minimal view described in spec scenario
// E: a source feeding a Filter(x > threshold) directly into a Sink.
func buildFilterSinkDag(threshold int64) *FlowDag {
	dag := NewFlowDag(1)
	must(dag.AddSource(1, key.KindRow, Identity{}))
	must(dag.AddNode(2, OpFilter, Filter{Predicate: func(v core.Values) bool {
		return rowAsInt(v) > threshold
	}}, 1))
	must(dag.AddNode(3, OpSink, Sink{}, 2))
	return dag
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func TestFilterToSinkMaintainsViewIncrementally(t *testing.T) {
	mgr := newHarness()
	dag := buildFilterSinkDag(2)

	admin := mgr.BeginAdmin()
	diffs := make([]RowDiff, 0, 5)
	for i := int64(1); i <= 5; i++ {
		k := sourceRowKey(uint64(i))
		diffs = append(diffs, RowDiff{Key: k, Post: intRow(i)})
	}
	if err := Propagate(admin, dag.ID, dag, 1, FlowChange{Diffs: diffs}); err != nil {
		t.Fatalf("propagate: %v", err)
	}
	if err := admin.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	q := mgr.BeginQuery()
	defer q.Close()
	sinkCtx := newOpContext(nil, dag.ID, 3)
	for i := int64(1); i <= 5; i++ {
		vk := sinkCtx.ViewKey(sourceRowKey(uint64(i)))
		v, ok, err := q.Get(key.KindRow, vk)
		if err != nil {
			t.Fatalf("get view row %d: %v", i, err)
		}
		if i > 2 {
			if !ok {
				t.Fatalf("expected view row for source %d to exist", i)
			}
			if rowAsInt(v) != i {
				t.Fatalf("expected view row %d to equal %d, got %d", i, i, rowAsInt(v))
			}
		} else if ok {
			t.Fatalf("did not expect a view row for source %d (filtered out)", i)
		}
	}
}

func TestFilterRetractsRowNoLongerMatching(t *testing.T) {
	mgr := newHarness()
	dag := buildFilterSinkDag(2)

	admin := mgr.BeginAdmin()
	k := sourceRowKey(10)
	if err := Propagate(admin, dag.ID, dag, 1, FlowChange{Diffs: []RowDiff{{Key: k, Post: intRow(5)}}}); err != nil {
		t.Fatalf("propagate insert: %v", err)
	}
	if err := admin.Commit(); err != nil {
		t.Fatalf("commit insert: %v", err)
	}

	admin2 := mgr.BeginAdmin()
	if err := Propagate(admin2, dag.ID, dag, 1, FlowChange{Diffs: []RowDiff{{Key: k, Pre: intRow(5), Post: intRow(1)}}}); err != nil {
		t.Fatalf("propagate update: %v", err)
	}
	if err := admin2.Commit(); err != nil {
		t.Fatalf("commit update: %v", err)
	}

	q := mgr.BeginQuery()
	defer q.Close()
	sinkCtx := newOpContext(nil, dag.ID, 3)
	_, ok, err := q.Get(key.KindRow, sinkCtx.ViewKey(k))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected view row to be retracted once the source value dropped below threshold")
	}
}

// joinKeyFromValue extracts the join column as the first 8 bytes
// of the row payload for both sides of the test join below.
func joinKeyFromValue(v core.Values) key.EncodedKey {
	return key.Raw(append([]byte(nil), v.Bytes()[:8]...))
}

func buildInnerJoinDag() (*FlowDag, Join) {
	dag := NewFlowDag(2)
	must(dag.AddSource(1, key.KindRow, Identity{})) // left
	must(dag.AddSource(2, key.KindRow, Identity{})) // right
	j := Join{
		Kind:      OpInnerJoin,
		LeftNode:  1,
		RightNode: 2,
		LeftKey:   joinKeyFromValue,
		RightKey:  joinKeyFromValue,
		Combine: func(left, right core.Values) core.Values {
			out := append([]byte(nil), left.Bytes()...)
			out = append(out, right.Bytes()...)
			return core.NewValues(out)
		},
	}
	must(dag.AddNode(3, OpInnerJoin, j, 1, 2))
	return dag, j
}

func joinRow(joinVal int64, tag byte) core.Values {
	var buf [9]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(joinVal))
	buf[8] = tag
	return core.NewValues(buf[:])
}

// TestJoinRetractionAssignsFreshRowNumber exercises spec scenario F:
// deleting a matched left row frees its output row number, and a later
// left row with the same join value but a different identity gets a new
// one rather than reusing it.
func TestJoinRetractionAssignsFreshRowNumber(t *testing.T) {
	mgr := newHarness()
	dag, j := buildInnerJoinDag()
	_ = j

	leftKey1 := key.NewBuilder(key.KindRow).AppendUint64(100).Build()
	rightKey1 := key.NewBuilder(key.KindRow).AppendUint64(200).Build()
	leftKey2 := key.NewBuilder(key.KindRow).AppendUint64(101).Build()

	// Insert L1=(k=1) on the left, R1=(k=1) on the right: one output row.
	admin := mgr.BeginAdmin()
	if err := Propagate(admin, dag.ID, dag, 1, FlowChange{Diffs: []RowDiff{{Key: leftKey1, Post: joinRow(1, 'L')}}}); err != nil {
		t.Fatalf("propagate left insert: %v", err)
	}
	if err := Propagate(admin, dag.ID, dag, 2, FlowChange{Diffs: []RowDiff{{Key: rightKey1, Post: joinRow(1, 'R')}}}); err != nil {
		t.Fatalf("propagate right insert: %v", err)
	}
	if err := admin.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	readAdmin := mgr.BeginAdmin()
	joinCtx := newOpContext(readAdmin, dag.ID, 3)
	firstNum, had, err := joinCtx.RowNumbers().Lookup(pairIdentity(leftKey1, rightKey1))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !had {
		t.Fatalf("expected a row number to be assigned for the matched pair")
	}
	if _, ok, err := joinCtx.Get(payloadKey(pairIdentity(leftKey1, rightKey1))); err != nil || !ok {
		t.Fatalf("expected payload staged for the matched pair, ok=%v err=%v", ok, err)
	}
	readAdmin.Close()

	// Delete L1.
	admin2 := mgr.BeginAdmin()
	if err := Propagate(admin2, dag.ID, dag, 1, FlowChange{Diffs: []RowDiff{{Key: leftKey1, Pre: joinRow(1, 'L')}}}); err != nil {
		t.Fatalf("propagate left delete: %v", err)
	}
	if err := admin2.Commit(); err != nil {
		t.Fatalf("commit delete: %v", err)
	}

	readAdmin2 := mgr.BeginAdmin()
	joinCtx2 := newOpContext(readAdmin2, dag.ID, 3)
	if _, had, err := joinCtx2.RowNumbers().Lookup(pairIdentity(leftKey1, rightKey1)); err != nil {
		t.Fatalf("lookup after delete: %v", err)
	} else if had {
		t.Fatalf("expected row-number mapping for the deleted pair to be freed")
	}
	readAdmin2.Close()

	// Insert L2=(k=1): same join value, different row identity.
	admin3 := mgr.BeginAdmin()
	if err := Propagate(admin3, dag.ID, dag, 1, FlowChange{Diffs: []RowDiff{{Key: leftKey2, Post: joinRow(1, 'L')}}}); err != nil {
		t.Fatalf("propagate left2 insert: %v", err)
	}
	if err := admin3.Commit(); err != nil {
		t.Fatalf("commit left2: %v", err)
	}

	readAdmin3 := mgr.BeginAdmin()
	joinCtx3 := newOpContext(readAdmin3, dag.ID, 3)
	secondNum, had, err := joinCtx3.RowNumbers().Lookup(pairIdentity(leftKey2, rightKey1))
	if err != nil {
		t.Fatalf("lookup for second pair: %v", err)
	}
	if !had {
		t.Fatalf("expected a row number for the new pairing")
	}
	if secondNum == firstNum {
		t.Fatalf("expected a fresh row number distinct from %v, got the same one back", firstNum)
	}
	readAdmin3.Close()
}

func buildLeftJoinDag() *FlowDag {
	dag := NewFlowDag(4)
	must(dag.AddSource(1, key.KindRow, Identity{})) // left
	must(dag.AddSource(2, key.KindRow, Identity{})) // right
	j := Join{
		Kind:      OpLeftJoin,
		LeftNode:  1,
		RightNode: 2,
		LeftKey:   joinKeyFromValue,
		RightKey:  joinKeyFromValue,
		Combine: func(left, right core.Values) core.Values {
			out := append([]byte(nil), left.Bytes()...)
			out = append(out, right.Bytes()...)
			return core.NewValues(out)
		},
		Unmatched: joinRow(0, '-'),
	}
	must(dag.AddNode(3, OpLeftJoin, j, 1, 2))
	return dag
}

// TestLeftJoinRetractsPlaceholderOnFirstRealMatch covers the case where a
// left row arrives with no right-side match (emitting the unmatched
// placeholder row), and a later right-side insert supplies its first real
// match: the placeholder's row number must be freed rather than left
// staged alongside the real pairing's row number.
func TestLeftJoinRetractsPlaceholderOnFirstRealMatch(t *testing.T) {
	mgr := newHarness()
	dag := buildLeftJoinDag()

	leftKey := key.NewBuilder(key.KindRow).AppendUint64(300).Build()
	rightKey := key.NewBuilder(key.KindRow).AppendUint64(400).Build()

	admin := mgr.BeginAdmin()
	if err := Propagate(admin, dag.ID, dag, 1, FlowChange{Diffs: []RowDiff{{Key: leftKey, Post: joinRow(9, 'L')}}}); err != nil {
		t.Fatalf("propagate left insert: %v", err)
	}
	if err := admin.Commit(); err != nil {
		t.Fatalf("commit left insert: %v", err)
	}

	readAdmin := mgr.BeginAdmin()
	joinCtx := newOpContext(readAdmin, dag.ID, 3)
	placeholderIdentity := pairIdentity(leftKey, key.EncodedKey{})
	if _, had, err := joinCtx.RowNumbers().Lookup(placeholderIdentity); err != nil {
		t.Fatalf("lookup placeholder: %v", err)
	} else if !had {
		t.Fatalf("expected an unmatched placeholder row number for the left row")
	}
	readAdmin.Close()

	admin2 := mgr.BeginAdmin()
	if err := Propagate(admin2, dag.ID, dag, 2, FlowChange{Diffs: []RowDiff{{Key: rightKey, Post: joinRow(9, 'R')}}}); err != nil {
		t.Fatalf("propagate right insert: %v", err)
	}
	if err := admin2.Commit(); err != nil {
		t.Fatalf("commit right insert: %v", err)
	}

	readAdmin2 := mgr.BeginAdmin()
	joinCtx2 := newOpContext(readAdmin2, dag.ID, 3)
	if _, had, err := joinCtx2.RowNumbers().Lookup(placeholderIdentity); err != nil {
		t.Fatalf("lookup placeholder after match: %v", err)
	} else if had {
		t.Fatalf("expected the unmatched placeholder to be retracted once a real match landed")
	}
	if _, had, err := joinCtx2.RowNumbers().Lookup(pairIdentity(leftKey, rightKey)); err != nil {
		t.Fatalf("lookup real pairing: %v", err)
	} else if !had {
		t.Fatalf("expected a row number for the real pairing")
	}
	readAdmin2.Close()
}

func TestAggregateCountTracksGroupMembership(t *testing.T) {
	mgr := newHarness()
	dag := NewFlowDag(3)
	must(dag.AddSource(1, key.KindRow, Identity{}))
	agg := Aggregate{
		By:  func(v core.Values) key.EncodedKey { return key.Raw(append([]byte(nil), v.Bytes()[:8]...)) },
		Acc: CountAccumulator{},
	}
	must(dag.AddNode(2, OpAggregate, agg, 1))
	must(dag.AddNode(3, OpSink, Sink{}, 2))

	admin := mgr.BeginAdmin()
	diffs := []RowDiff{
		{Key: sourceRowKey(1), Post: joinRow(7, 'a')},
		{Key: sourceRowKey(2), Post: joinRow(7, 'b')},
	}
	if err := Propagate(admin, dag.ID, dag, 1, FlowChange{Diffs: diffs}); err != nil {
		t.Fatalf("propagate: %v", err)
	}
	if err := admin.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	group := key.Raw(joinRow(7, 0).Bytes()[:8])
	sinkCtx := newOpContext(nil, dag.ID, 3)
	q := mgr.BeginQuery()
	defer q.Close()
	v, ok, err := q.Get(key.KindRow, sinkCtx.ViewKey(group))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected a group row for join value 7")
	}
	if got := binary.BigEndian.Uint64(v.Bytes()); got != 2 {
		t.Fatalf("expected count 2, got %d", got)
	}
}

func TestDistinctSuppressesDuplicatesAndRetractsOnLastCopy(t *testing.T) {
	mgr := newHarness()
	dag := NewFlowDag(4)
	must(dag.AddSource(1, key.KindRow, Identity{}))
	must(dag.AddNode(2, OpDistinct, Distinct{}, 1))
	must(dag.AddNode(3, OpSink, Sink{}, 2))

	admin := mgr.BeginAdmin()
	diffs := []RowDiff{
		{Key: sourceRowKey(1), Post: intRow(9)},
		{Key: sourceRowKey(2), Post: intRow(9)},
	}
	if err := Propagate(admin, dag.ID, dag, 1, FlowChange{Diffs: diffs}); err != nil {
		t.Fatalf("propagate inserts: %v", err)
	}
	if err := admin.Commit(); err != nil {
		t.Fatalf("commit inserts: %v", err)
	}

	sinkCtx := newOpContext(nil, dag.ID, 3)
	viewKey := sinkCtx.ViewKey(rowIdentity(intRow(9)))

	q := mgr.BeginQuery()
	v, ok, err := q.Get(key.KindRow, viewKey)
	q.Close()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || rowAsInt(v) != 9 {
		t.Fatalf("expected exactly one distinct row for value 9, got ok=%v v=%v", ok, v)
	}

	admin2 := mgr.BeginAdmin()
	if err := Propagate(admin2, dag.ID, dag, 1, FlowChange{Diffs: []RowDiff{
		{Key: sourceRowKey(1), Pre: intRow(9)},
	}}); err != nil {
		t.Fatalf("propagate first retraction: %v", err)
	}
	if err := admin2.Commit(); err != nil {
		t.Fatalf("commit first retraction: %v", err)
	}

	q2 := mgr.BeginQuery()
	_, ok, err = q2.Get(key.KindRow, viewKey)
	q2.Close()
	if err != nil {
		t.Fatalf("get after first retraction: %v", err)
	}
	if !ok {
		t.Fatalf("expected distinct row to survive while one copy remains")
	}

	admin3 := mgr.BeginAdmin()
	if err := Propagate(admin3, dag.ID, dag, 1, FlowChange{Diffs: []RowDiff{
		{Key: sourceRowKey(2), Pre: intRow(9)},
	}}); err != nil {
		t.Fatalf("propagate last retraction: %v", err)
	}
	if err := admin3.Commit(); err != nil {
		t.Fatalf("commit last retraction: %v", err)
	}

	q3 := mgr.BeginQuery()
	_, ok, err = q3.Get(key.KindRow, viewKey)
	q3.Close()
	if err != nil {
		t.Fatalf("get after last retraction: %v", err)
	}
	if ok {
		t.Fatalf("expected distinct row to be retracted once its last copy was removed")
	}
}

// scanViewInts reads every materialized view row for dag in key order and
// decodes each as an int64 payload.
func scanViewInts(t *testing.T, mgr *txn.Manager, id FlowId) []int64 {
	t.Helper()
	q := mgr.BeginQuery()
	defer q.Close()
	lo, hi := ViewRowBounds(id)
	scanner := q.Range(key.KindRow, lo, hi)
	var out []int64
	for {
		e, ok, err := scanner.Next()
		if err != nil {
			t.Fatalf("view scan: %v", err)
		}
		if !ok {
			return out
		}
		out = append(out, rowAsInt(e.Values))
	}
}

func propagateAndCommit(t *testing.T, mgr *txn.Manager, dag *FlowDag, node FlowNodeId, diffs []RowDiff) {
	t.Helper()
	admin := mgr.BeginAdmin()
	if err := Propagate(admin, dag.ID, dag, node, FlowChange{Diffs: diffs}); err != nil {
		t.Fatalf("propagate: %v", err)
	}
	if err := admin.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestSortOrdersViewRowsAndMovesOnSortKeyChange(t *testing.T) {
	mgr := newHarness()
	dag := NewFlowDag(4)
	must(dag.AddSource(1, key.KindRow, Identity{}))
	must(dag.AddNode(2, OpSort, Sort{SortKey: func(v core.Values) key.EncodedKey {
		return key.Raw(append([]byte(nil), v.Bytes()...))
	}}, 1))
	must(dag.AddNode(3, OpSink, Sink{}, 2))

	propagateAndCommit(t, mgr, dag, 1, []RowDiff{
		{Key: sourceRowKey(1), Post: intRow(3)},
		{Key: sourceRowKey(2), Post: intRow(1)},
		{Key: sourceRowKey(3), Post: intRow(2)},
	})

	got := scanViewInts(t, mgr, dag.ID)
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected view rows sorted as [1 2 3], got %v", got)
	}

	// Updating row 1's value from 3 to 0 moves it to the front; its old
	// position must be retracted, not left behind as a fourth row.
	propagateAndCommit(t, mgr, dag, 1, []RowDiff{
		{Key: sourceRowKey(1), Pre: intRow(3), Post: intRow(0)},
	})

	got = scanViewInts(t, mgr, dag.ID)
	if len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("expected view rows re-sorted as [0 1 2], got %v", got)
	}
}

func TestTakeMaintainsTopNMembership(t *testing.T) {
	mgr := newHarness()
	dag := NewFlowDag(5)
	must(dag.AddSource(1, key.KindRow, Identity{}))
	must(dag.AddNode(2, OpTake, Take{N: 2}, 1))
	must(dag.AddNode(3, OpSink, Sink{}, 2))

	propagateAndCommit(t, mgr, dag, 1, []RowDiff{
		{Key: sourceRowKey(5), Post: intRow(5)},
		{Key: sourceRowKey(9), Post: intRow(9)},
	})
	if got := scanViewInts(t, mgr, dag.ID); len(got) != 2 {
		t.Fatalf("expected both rows in the view, got %v", got)
	}

	// A smaller key arriving displaces the largest current member.
	propagateAndCommit(t, mgr, dag, 1, []RowDiff{
		{Key: sourceRowKey(1), Post: intRow(1)},
	})
	got := scanViewInts(t, mgr, dag.ID)
	if len(got) != 2 || got[0] != 1 || got[1] != 5 {
		t.Fatalf("expected view [1 5] after displacement, got %v", got)
	}

	// Deleting a member readmits the displaced row.
	propagateAndCommit(t, mgr, dag, 1, []RowDiff{
		{Key: sourceRowKey(1), Pre: intRow(1)},
	})
	got = scanViewInts(t, mgr, dag.ID)
	if len(got) != 2 || got[0] != 5 || got[1] != 9 {
		t.Fatalf("expected view [5 9] after deletion, got %v", got)
	}
}

func TestMergeKeepsInputsDisjoint(t *testing.T) {
	mgr := newHarness()
	dag := NewFlowDag(6)
	must(dag.AddSource(1, key.KindRow, Identity{}))
	must(dag.AddSource(2, key.KindRow, Identity{}))
	must(dag.AddNode(3, OpMerge, Merge{}, 1, 2))
	must(dag.AddNode(4, OpSink, Sink{}, 3))

	// The same source key arriving through both inputs stays two rows.
	k := sourceRowKey(7)
	propagateAndCommit(t, mgr, dag, 1, []RowDiff{{Key: k, Post: intRow(10)}})
	propagateAndCommit(t, mgr, dag, 2, []RowDiff{{Key: k, Post: intRow(20)}})

	got := scanViewInts(t, mgr, dag.ID)
	if len(got) != 2 {
		t.Fatalf("expected two merged rows, got %v", got)
	}
	if got[0]+got[1] != 30 {
		t.Fatalf("expected one row from each input, got %v", got)
	}
}

func TestApplyExpandsRowsAndRetractsPriorExpansion(t *testing.T) {
	mgr := newHarness()
	dag := NewFlowDag(7)
	must(dag.AddSource(1, key.KindRow, Identity{}))
	// Expand value n into n rows valued n*10+i.
	must(dag.AddNode(2, OpApply, Apply{Fn: func(v core.Values) []core.Values {
		n := rowAsInt(v)
		out := make([]core.Values, 0, n)
		for i := int64(0); i < n; i++ {
			out = append(out, intRow(n*10+i))
		}
		return out
	}}, 1))
	must(dag.AddNode(3, OpSink, Sink{}, 2))

	k := sourceRowKey(1)
	propagateAndCommit(t, mgr, dag, 1, []RowDiff{{Key: k, Post: intRow(2)}})
	got := scanViewInts(t, mgr, dag.ID)
	if len(got) != 2 || got[0] != 20 || got[1] != 21 {
		t.Fatalf("expected expansion [20 21], got %v", got)
	}

	propagateAndCommit(t, mgr, dag, 1, []RowDiff{{Key: k, Pre: intRow(2), Post: intRow(1)}})
	got = scanViewInts(t, mgr, dag.ID)
	if len(got) != 1 || got[0] != 10 {
		t.Fatalf("expected re-expansion [10], got %v", got)
	}

	propagateAndCommit(t, mgr, dag, 1, []RowDiff{{Key: k, Pre: intRow(1)}})
	if got := scanViewInts(t, mgr, dag.ID); len(got) != 0 {
		t.Fatalf("expected empty view after retraction, got %v", got)
	}
}
