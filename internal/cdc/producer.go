package cdc

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/event"
	"github.com/reifydb/reifydb/internal/key"
	"github.com/reifydb/reifydb/internal/multi"
	"github.com/reifydb/reifydb/internal/txn"
)

// DefaultMailboxCapacity is the producer's bounded mailbox size. A commit
// that fills the mailbox blocks (on the committing goroutine, inside
// event.Publish) rather than dropping a record: CDC is expected to be
// lossless, and a stalled consumer should slow writers down, not silently
// lose history.
const DefaultMailboxCapacity = 256

type mailboxItem struct {
	version     core.CommitVersion
	timestampMs int64
	deltas      []core.Delta
}

// CdcStatsRecorder receives the byte/row footprint of each persisted Cdc
// record. Satisfied by stats.Accumulator; declared locally so this
// package never imports stats.
type CdcStatsRecorder interface {
	RecordCdc(object string, keyBytes, valueBytes int64, count int64)
}

// Producer diffs every commit into a durable Cdc record. It subscribes to
// event.MultiVersionCommitEvent (published synchronously inside
// multi.Store.Commit) and hands the raw deltas to a single background
// goroutine over a bounded channel, so the diffing and the AdminTxn commit
// that persists the record never run on the caller's commit path.
type Producer struct {
	store *multi.Store
	mgr   *txn.Manager
	bus   *event.Bus
	stats CdcStatsRecorder

	mailbox chan mailboxItem
	done    chan struct{}
	wg      sync.WaitGroup

	stopOnce sync.Once

	unsubscribe event.Unsubscribe
}

// NewProducer constructs a Producer over store/mgr. Call Start to begin
// consuming commits; Stop to drain and shut down.
func NewProducer(store *multi.Store, mgr *txn.Manager, bus *event.Bus, capacity int) *Producer {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	return &Producer{
		store:   store,
		mgr:     mgr,
		bus:     bus,
		mailbox: make(chan mailboxItem, capacity),
		done:    make(chan struct{}),
	}
}

// WithStats attaches a CdcStatsRecorder and returns p for chaining. Optional:
// a Producer with no recorder simply skips cdc stats accounting.
func (p *Producer) WithStats(stats CdcStatsRecorder) *Producer {
	p.stats = stats
	return p
}

// Start subscribes to the commit stream and launches the background
// worker. Not safe to call twice.
func (p *Producer) Start() {
	p.unsubscribe = event.Subscribe(p.bus, func(e event.MultiVersionCommitEvent) {
		select {
		case p.mailbox <- mailboxItem{version: e.Version, timestampMs: e.TimestampMs, deltas: e.Deltas}:
		case <-p.done:
		}
	})
	p.wg.Add(1)
	go p.run()
}

// Stop unsubscribes, drains any queued commits, and waits for the worker
// to exit. Calls after the first are no-ops.
func (p *Producer) Stop() {
	p.stopOnce.Do(func() {
		if p.unsubscribe != nil {
			p.unsubscribe()
		}
		close(p.done)
		p.wg.Wait()
	})
}

func (p *Producer) run() {
	defer p.wg.Done()
	for {
		select {
		case item := <-p.mailbox:
			p.handleCommit(item)
		case <-p.done:
			// Drain whatever is already buffered before exiting so a
			// Stop during heavy write traffic doesn't silently drop
			// records that were already accepted into the mailbox.
			for {
				select {
				case item := <-p.mailbox:
					p.handleCommit(item)
				default:
					return
				}
			}
		}
	}
}

func (p *Producer) handleCommit(item mailboxItem) {
	rec := Cdc{Version: item.version, TimestampMs: item.timestampMs}
	for _, d := range item.deltas {
		if !d.ProducesCDC() {
			continue
		}
		// A write to the CDC keyspace itself is this producer's own
		// bookkeeping (persisting a record, advancing a checkpoint);
		// diffing it would enqueue another commit event for every
		// record this goroutine writes, recursing forever.
		if d.Key.Kind() == key.KindCDC {
			continue
		}
		ch := p.diffDelta(item.version, d)
		if excludedFromCdc(d.Key.Kind()) {
			rec.SystemChanges = append(rec.SystemChanges, SystemChange{ch})
		} else {
			rec.Changes = append(rec.Changes, ch)
		}
	}
	if len(rec.Changes) == 0 && len(rec.SystemChanges) == 0 {
		return
	}
	keyBytes, valueBytes := rec.footprint()
	if err := p.persist(rec); err != nil {
		// Persisting the record is the only thing this goroutine can
		// fail at short of a backend outage; there is no caller left
		// to return the error to, so the record is simply lost
		// (log-and-continue). A future revision could retry with
		// backoff here. The commit that produced it has already
		// succeeded.
		logrus.WithError(err).WithField("version", uint64(item.version)).
			Error("cdc: failed to persist record, commit already succeeded")
		return
	}
	if p.stats != nil {
		p.stats.RecordCdc("cdc", keyBytes, valueBytes, 1)
	}
	if p.bus != nil {
		event.Publish(p.bus, event.CdcStatsRecordedEvent{Version: item.version, Changes: len(rec.Changes) + len(rec.SystemChanges)})
	}
}

// diffDelta builds a Change for d, looking up the pre-commit image for a
// Set via the multi-version store's version chain. Unset deltas already
// carry their prior value in d.Values (see core.Unset), so no lookup is
// needed there.
func (p *Producer) diffDelta(version core.CommitVersion, d core.Delta) Change {
	kind := d.Key.Kind()
	switch d.Kind {
	case core.DeltaSet:
		var before core.Values
		if prev, ok, err := p.store.GetPreviousVersion(kind, d.Key, version); err == nil && ok && !prev.Tombstone {
			before = prev.Values
		}
		return Change{Kind: kind, Key: d.Key, Op: ChangeSet, Before: before, After: d.Values}
	case core.DeltaUnset:
		return Change{Kind: kind, Key: d.Key, Op: ChangeRemove, Before: d.Values}
	default:
		return Change{Kind: kind, Key: d.Key}
	}
}

func (p *Producer) persist(rec Cdc) error {
	encoded, err := encodeCdc(rec)
	if err != nil {
		return err
	}
	admin := p.mgr.BeginAdmin()
	admin.Set(recordKey(uint64(rec.Version)), core.NewValues(encoded))
	return admin.Commit()
}
