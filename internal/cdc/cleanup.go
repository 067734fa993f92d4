package cdc

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/event"
	"github.com/reifydb/reifydb/internal/key"
	"github.com/reifydb/reifydb/internal/multi"
	"github.com/reifydb/reifydb/internal/txn"
)

// CdcStatsDropRecorder receives the footprint of durable Cdc records a
// sweep removed. Satisfied by stats.Accumulator; declared locally per this
// package's existing CdcStatsRecorder convention in producer.go.
type CdcStatsDropRecorder interface {
	RecordCdcDropped(object string, keyBytes, valueBytes int64, count int64)
}

// DefaultCleanupInterval is how often the watermark is recomputed and fed
// into retention, absent an explicit interval.
const DefaultCleanupInterval = 30 * time.Second

// Cleanup periodically computes the CDC watermark (the oldest checkpoint
// across registered consumers, or the latest committed version when there
// are none) and applies it to both the multi-version store's own
// retention policy and this package's durable record log. Grounded in
// tinySQL's internal/storage/scheduler.go Scheduler, which drives
// recurring jobs off a robfig/cron/v3.Cron; here the single recurring job
// is fixed at construction rather than catalog-driven.
type Cleanup struct {
	store    *multi.Store
	mgr      *txn.Manager
	registry *ConsumerRegistry
	bus      *event.Bus
	stats    CdcStatsDropRecorder

	cron *cron.Cron
	mu   sync.Mutex

	// high is the highest watermark ever applied. A freshly registered
	// consumer starting below it must not pull retention backwards;
	// history its checkpoint names may already be gone.
	high core.CommitVersion
}

// WithStats attaches a CdcStatsDropRecorder and returns c for chaining.
func (c *Cleanup) WithStats(stats CdcStatsDropRecorder) *Cleanup {
	c.stats = stats
	return c
}

// NewCleanup constructs a Cleanup job. The interval argument is not
// stored; the sweep cadence is the interval passed to Start.
func NewCleanup(store *multi.Store, mgr *txn.Manager, registry *ConsumerRegistry, bus *event.Bus, interval time.Duration) *Cleanup {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	c := cron.New(cron.WithSeconds())
	return &Cleanup{
		store:    store,
		mgr:      mgr,
		registry: registry,
		bus:      bus,
		cron:     c,
	}
}

// Start schedules the recurring sweep and starts the cron scheduler.
func (c *Cleanup) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.cron.AddFunc(fmt.Sprintf("@every %s", interval), c.sweep)
	if err != nil {
		return err
	}
	c.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (c *Cleanup) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one cleanup pass immediately, outside the cron schedule.
// Exported so tests and administrative callers can force a sweep without
// waiting on the interval.
func (c *Cleanup) Sweep() { c.sweep() }

func (c *Cleanup) sweep() {
	watermark, err := Watermark(c.registry, c.store.LastCommittedVersion())
	if err != nil {
		logrus.WithError(err).Error("cdc: failed to compute watermark, skipping sweep")
		return
	}
	if watermark.IsZero() {
		return
	}
	c.mu.Lock()
	if watermark < c.high {
		watermark = c.high
	} else {
		c.high = watermark
	}
	c.mu.Unlock()
	if err := c.store.DropBefore(watermark); err != nil {
		logrus.WithError(err).WithField("watermark", uint64(watermark)).
			Error("cdc: multi-version store drop_before failed, retrying next cycle")
	}
	dropped, keyBytes, valueBytes, err := c.dropRecordsBefore(watermark)
	if err != nil {
		logrus.WithError(err).WithField("watermark", uint64(watermark)).
			Error("cdc: record sweep failed, retrying next cycle")
		return
	}
	if dropped == 0 {
		return
	}
	logrus.WithFields(logrus.Fields{"watermark": uint64(watermark), "dropped": dropped}).
		Debug("cdc: retention sweep dropped records")
	if c.stats != nil {
		c.stats.RecordCdcDropped("cdc", keyBytes, valueBytes, int64(dropped))
	}
	if c.bus != nil {
		event.Publish(c.bus, event.CdcStatsDroppedEvent{UpToVersion: watermark, Count: dropped})
	}
}

// dropRecordsBefore physically removes durable Cdc records with version
// strictly less than watermark: every consumer that still needed one has
// already checkpointed past it by definition of watermark.
func (c *Cleanup) dropRecordsBefore(watermark core.CommitVersion) (count int, keyBytes int64, valueBytes int64, err error) {
	q := c.mgr.BeginQuery()
	start, _ := recordScanBounds()
	hi := recordKey(uint64(watermark))
	scanner := q.Range(key.KindCDC, start, hi)

	type staleEntry struct {
		k key.EncodedKey
		n int
	}
	var stale []staleEntry
	for {
		e, ok, scanErr := scanner.Next()
		if scanErr != nil {
			q.Close()
			return 0, 0, 0, scanErr
		}
		if !ok {
			break
		}
		stale = append(stale, staleEntry{k: e.Key, n: e.Values.Len()})
	}
	q.Close()
	if len(stale) == 0 {
		return 0, 0, 0, nil
	}

	admin := c.mgr.BeginAdmin()
	for _, e := range stale {
		if rmErr := admin.Remove(key.KindCDC, e.k); rmErr != nil {
			return 0, 0, 0, rmErr
		}
		keyBytes += int64(e.k.Len())
		valueBytes += int64(e.n)
	}
	if commitErr := admin.Commit(); commitErr != nil {
		return 0, 0, 0, commitErr
	}
	return len(stale), keyBytes, valueBytes, nil
}
