package stats

import (
	"sync"
	"testing"

	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

func TestAccumulatorRecordWriteTracksCurrentCounts(t *testing.T) {
	a := New(nil)
	a.RecordWrite(key.KindRow, 8, 32, nil)

	totals := a.TierTotals(DefaultTierOf(key.KindRow))
	if totals.CurrentCount != 1 {
		t.Errorf("expected current count 1, got %d", totals.CurrentCount)
	}
	if totals.CurrentKeyBytes != 8 || totals.CurrentValueBytes != 32 {
		t.Errorf("expected key/value bytes 8/32, got %d/%d", totals.CurrentKeyBytes, totals.CurrentValueBytes)
	}
	if totals.HistoricalCount != 0 {
		t.Errorf("expected no historical count for a fresh write, got %d", totals.HistoricalCount)
	}
}

func TestAccumulatorRecordWriteMovesOverwrittenValueToHistorical(t *testing.T) {
	a := New(nil)
	pre := core.NewValues(make([]byte, 16))
	a.RecordWrite(key.KindRow, 8, 32, &pre)

	totals := a.TierTotals(DefaultTierOf(key.KindRow))
	if totals.CurrentCount != 1 {
		t.Errorf("expected current count 1, got %d", totals.CurrentCount)
	}
	if totals.HistoricalCount != 1 {
		t.Errorf("expected historical count 1, got %d", totals.HistoricalCount)
	}
	if totals.HistoricalValueBytes != 16 {
		t.Errorf("expected historical value bytes 16, got %d", totals.HistoricalValueBytes)
	}
}

func TestAccumulatorRecordDeleteClearsCurrentAndKeepsHistorical(t *testing.T) {
	a := New(nil)
	pre := core.NewValues(make([]byte, 10))
	a.RecordWrite(key.KindRow, 4, 10, nil)
	a.RecordDelete(key.KindRow, 4, &pre)

	totals := a.TierTotals(DefaultTierOf(key.KindRow))
	if totals.CurrentCount != 0 {
		t.Errorf("expected current count back to 0 after delete, got %d", totals.CurrentCount)
	}
	if totals.HistoricalCount != 1 {
		t.Errorf("expected one historical version retained, got %d", totals.HistoricalCount)
	}
}

func TestAccumulatorRecordDropSubtractsHistoricalTotals(t *testing.T) {
	a := New(nil)
	pre := core.NewValues(make([]byte, 10))
	a.RecordWrite(key.KindRow, 4, 10, nil)
	a.RecordDelete(key.KindRow, 4, &pre)
	a.RecordDrop(key.KindRow, 4, 10, 1)

	totals := a.TierTotals(DefaultTierOf(key.KindRow))
	if totals.HistoricalCount != 0 {
		t.Errorf("expected historical count to return to 0 after drop, got %d", totals.HistoricalCount)
	}
}

func TestAccumulatorScanTierSortsByObject(t *testing.T) {
	a := New(nil)
	a.RecordObject(key.KindRow, "zebra", core.StorageStatsDelta{CurrentCount: 1})
	a.RecordObject(key.KindRow, "apple", core.StorageStatsDelta{CurrentCount: 1})

	rows := a.ScanTier(DefaultTierOf(key.KindRow))
	if len(rows) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(rows))
	}
	if rows[0].Object != "apple" || rows[1].Object != "zebra" {
		t.Errorf("expected objects sorted apple before zebra, got %v", rows)
	}
}

func TestAccumulatorTiersReflectsPlacement(t *testing.T) {
	a := New(nil)
	a.Record(key.KindRow, core.StorageStatsDelta{CurrentCount: 1})
	a.Record(key.KindCatalog, core.StorageStatsDelta{CurrentCount: 1})

	tiers := a.Tiers()
	if len(tiers) != 2 {
		t.Fatalf("expected 2 distinct tiers, got %v", tiers)
	}
	if tiers[0] != "cold" || tiers[1] != "hot" {
		t.Errorf("expected cold before hot, got %v", tiers)
	}
}

func TestAccumulatorCdcRoundTrip(t *testing.T) {
	a := New(nil)
	a.RecordCdc("orders", 12, 48, 1)
	a.RecordCdc("orders", 12, 48, 1)

	all := a.ScanAll()
	if len(all) != 1 {
		t.Fatalf("expected one aggregated CDC object, got %d", len(all))
	}
	if all[0].Count != 2 {
		t.Errorf("expected count 2, got %d", all[0].Count)
	}

	a.RecordCdcDropped("orders", 12, 48, 1)
	all = a.ScanAll()
	if all[0].Count != 1 {
		t.Errorf("expected count back to 1 after a GC drop, got %d", all[0].Count)
	}
}

func TestAccumulatorConcurrentRecord(t *testing.T) {
	a := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.RecordWrite(key.KindRow, 4, 4, nil)
		}()
	}
	wg.Wait()

	totals := a.TierTotals(DefaultTierOf(key.KindRow))
	if totals.CurrentCount != 20 {
		t.Errorf("expected 20 concurrent writes to be counted, got %d", totals.CurrentCount)
	}
}
