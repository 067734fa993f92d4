package flow

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reifydb/reifydb/internal/cdc"
	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/event"
	"github.com/reifydb/reifydb/internal/key"
	"github.com/reifydb/reifydb/internal/multi"
	"github.com/reifydb/reifydb/internal/txn"
)

// DefaultBackfillChunkSize is how many CDC versions a single backfill
// cycle advances one flow by.
const DefaultBackfillChunkSize = 1000

// workerTimeout bounds how long a single flow's batch may run before the
// coordinator gives up on it, mirroring tinySQL's WorkerPool.processWithTimeout.
const workerTimeout = 5 * time.Second

// sourceChange is one instruction's unit of input: the FlowChange that
// arrived at a particular source node.
type sourceChange struct {
	node   FlowNodeId
	change FlowChange
}

// FlowInstruction is the work a single flow must do to catch up to
// ToVersion: every source-node change accumulated since its last
// checkpoint, applied in order.
type FlowInstruction struct {
	FlowID    FlowId
	ToVersion core.CommitVersion
	Changes   []sourceChange
}

// WorkerBatch is what one worker goroutine processes in a single scratch
// transaction: exactly one flow's instruction, since two batches for the
// same flow must never run concurrently (their operator state would
// race), but distinct flows are fully independent.
type WorkerBatch struct {
	Instruction FlowInstruction
}

type workRequest struct {
	ctx    context.Context
	batch  WorkerBatch
	result chan workResult
}

type workResult struct {
	deltas []core.Delta
	err    error
}

// Coordinator is the flow engine: a fixed pool of workers, each owning
// a dedicated queue, routes every flow's batches to the same worker for
// its whole lifetime (flow_id mod N) so a flow's own state is never
// touched by two goroutines at once. Grounded in tinySQL's
// internal/storage/concurrency.go WorkerPool, adapted from one shared
// work queue to N dedicated queues since flow state (unlike tinySQL's
// generic read/write requests) requires per-flow serialization rather
// than a free-for-all semaphore.
type Coordinator struct {
	store    *multi.Store
	mgr      *txn.Manager
	registry *Registry
	bus      *event.Bus

	queues []chan workRequest
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// lag tracks, per source kind, the highest CDC version routed through
	// Consume, so operators watching flow freshness can compare it against
	// each flow's checkpoint.
	lagMu sync.Mutex
	lag   map[key.KeyKind]core.CommitVersion
}

// NewCoordinator constructs a coordinator with numWorkers queues.
// numWorkers <= 0 uses runtime.NumCPU().
func NewCoordinator(store *multi.Store, mgr *txn.Manager, registry *Registry, bus *event.Bus, numWorkers int) *Coordinator {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:    store,
		mgr:      mgr,
		registry: registry,
		bus:      bus,
		queues:   make([]chan workRequest, numWorkers),
		ctx:      ctx,
		cancel:   cancel,
		lag:      make(map[key.KeyKind]core.CommitVersion),
	}
	for i := range c.queues {
		c.queues[i] = make(chan workRequest, 64)
	}
	return c
}

// Start launches one goroutine per queue.
func (c *Coordinator) Start() {
	for i, q := range c.queues {
		c.wg.Add(1)
		go c.runWorker(i, q)
	}
}

// Stop cancels every worker and waits for in-flight batches to finish.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) runWorker(id int, queue chan workRequest) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case req := <-queue:
			res := c.processWithTimeout(req)
			select {
			case req.result <- res:
			case <-req.ctx.Done():
			case <-c.ctx.Done():
			}
		}
	}
}

func (c *Coordinator) processWithTimeout(req workRequest) workResult {
	ctx, cancel := context.WithTimeout(req.ctx, workerTimeout)
	defer cancel()

	done := make(chan workResult, 1)
	go func() { done <- c.runBatch(req.batch) }()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return workResult{err: fmt.Errorf("flow: worker timeout processing flow %d: %w", req.batch.Instruction.FlowID, ctx.Err())}
	}
}

// runBatch opens a scratch AdminTxn pinned at the store's current
// snapshot (its state_version), applies the instruction's source changes
// through the flow's DAG in order, stages the resulting checkpoint
// alongside every operator/view write the propagation produced, and hands
// the staged deltas back without committing.
func (c *Coordinator) runBatch(batch WorkerBatch) workResult {
	inst := batch.Instruction
	dag := c.registry.Dag(inst.FlowID)
	if dag == nil {
		return workResult{err: fmt.Errorf("flow: no dag registered for flow %d", inst.FlowID)}
	}
	state, err := c.registry.State(inst.FlowID)
	if err != nil {
		return workResult{err: err}
	}

	tx := c.mgr.BeginAdmin()
	for _, sc := range inst.Changes {
		if err := Propagate(tx, inst.FlowID, dag, sc.node, sc.change); err != nil {
			tx.Rollback()
			return workResult{err: fmt.Errorf("flow: flow %d: %w", inst.FlowID, err)}
		}
	}
	state.Checkpoint = inst.ToVersion
	tx.Set(flowStateKey(inst.FlowID), encodeState(state))
	deltas := tx.PendingWrites()
	tx.Rollback()
	return workResult{deltas: deltas}
}

// submit routes batch to the queue owned by its flow id and blocks for
// the result.
func (c *Coordinator) submit(ctx context.Context, batch WorkerBatch) ([]core.Delta, error) {
	n := len(c.queues)
	idx := int(uint64(batch.Instruction.FlowID) % uint64(n))
	reply := make(chan workResult, 1)
	select {
	case c.queues[idx] <- workRequest{ctx: ctx, batch: batch, result: reply}:
	case <-ctx.Done():
		return nil, core.NewCancelled("flow: submit cancelled").WithCause(ctx.Err())
	case <-c.ctx.Done():
		return nil, core.NewCancelled("flow: coordinator stopped")
	}

	select {
	case res := <-reply:
		return res.deltas, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Consume is the coordinator's entry point for a live batch of newly
// committed CDC: it registers any newly created flows as Backfilling,
// routes each Cdc record's changes to every active flow with a matching
// source, runs each affected flow's instruction through its worker, and
// returns the combined pending writes of every flow touched, folded into
// one slice the caller merges into its own outer transaction before
// committing. Any single flow's failure aborts the whole call: no partial
// checkpoint ever advances.
func (c *Coordinator) Consume(ctx context.Context, cdcs []cdc.Cdc, newFlows []*FlowDag) ([]core.Delta, error) {
	for _, dag := range newFlows {
		if c.registry.Dag(dag.ID) != nil {
			continue
		}
		if err := c.registry.Add(dag); err != nil {
			return nil, err
		}
	}
	if len(cdcs) == 0 {
		return nil, nil
	}

	c.recordRouted(cdcs)
	instructions := c.buildInstructions(cdcs, c.registry.Flows(), Active)

	var combined []core.Delta
	for _, inst := range instructions {
		deltas, err := c.submit(ctx, WorkerBatch{Instruction: inst})
		if err != nil {
			// A worker error aborts the whole Consume call. The
			// caller must not advance its CDC consumer checkpoint,
			// so this same batch is retried next cycle instead of
			// silently skipping the flow.
			logrus.WithError(err).WithField("flow_id", uint64(inst.FlowID)).
				Error("flow: worker batch failed, aborting consume cycle")
			return nil, err
		}
		combined = append(combined, deltas...)
		c.publishApplied(inst, len(deltas))
	}
	return combined, nil
}

func (c *Coordinator) recordRouted(cdcs []cdc.Cdc) {
	c.lagMu.Lock()
	defer c.lagMu.Unlock()
	for _, rec := range cdcs {
		for _, ch := range rec.Changes {
			if rec.Version > c.lag[ch.Kind] {
				c.lag[ch.Kind] = rec.Version
			}
		}
	}
}

// LastRouted reports the highest CDC version Consume has routed for a
// source kind; a flow's checkpoint lag is LastRouted minus its own
// checkpoint.
func (c *Coordinator) LastRouted(kind key.KeyKind) core.CommitVersion {
	c.lagMu.Lock()
	defer c.lagMu.Unlock()
	return c.lag[kind]
}

func (c *Coordinator) publishApplied(inst FlowInstruction, diffs int) {
	if c.bus == nil {
		return
	}
	event.Publish(c.bus, event.FlowBatchAppliedEvent{FlowID: uint64(inst.FlowID), ToVersion: inst.ToVersion, Diffs: diffs})
}

// buildInstructions groups every Cdc record's row-level changes by the
// flow whose source nodes consume that change's key kind, restricted to
// flows currently in phase. Each flow with at least one matching change
// gets a single FlowInstruction covering the whole cdcs slice, so a
// multi-version batch still costs one worker round trip per flow.
func (c *Coordinator) buildInstructions(cdcs []cdc.Cdc, flowIDs []FlowId, phase Phase) []FlowInstruction {
	byFlow := make(map[FlowId][]sourceChange)
	toVersion := make(map[FlowId]core.CommitVersion)

	for _, rec := range cdcs {
		byKind := groupChangesByKind(rec)
		for _, id := range flowIDs {
			state, err := c.registry.State(id)
			if err != nil || state.Phase != phase {
				continue
			}
			// A replayed batch may carry versions the flow has already
			// applied; re-running them would duplicate operator effects
			// and regress the checkpoint.
			if rec.Version <= state.Checkpoint {
				continue
			}
			dag := c.registry.Dag(id)
			if dag == nil {
				continue
			}
			for kind, g := range byKind {
				for _, node := range dag.SourcesForKind(kind) {
					diffs := g.base
					if dag.Node(node).Kind == OpSourceView {
						diffs = g.view
					}
					if len(diffs) == 0 {
						continue
					}
					byFlow[id] = append(byFlow[id], sourceChange{
						node:   node,
						change: FlowChange{Diffs: diffs, Origin: node},
					})
				}
			}
			if _, touched := byFlow[id]; touched {
				toVersion[id] = rec.Version
			}
		}
	}

	instructions := make([]FlowInstruction, 0, len(byFlow))
	for id, changes := range byFlow {
		instructions = append(instructions, FlowInstruction{FlowID: id, ToVersion: toVersion[id], Changes: changes})
	}
	return instructions
}

// kindDiffs separates a kind's base-table changes from changes to
// flow-maintained view rows (marked by viewRowMarker inside key.KindRow).
// Base rows feed OpSource nodes; view rows feed only OpSourceView nodes,
// never plain sources, so a sink's own output can't loop back into the
// flow that produced it.
type kindDiffs struct {
	base []RowDiff
	view []RowDiff
}

// groupChangesByKind converts one Cdc record's flat Change list into
// RowDiffs grouped by the changed key's kind, ready to hand to whichever
// source nodes subscribe to that kind.
func groupChangesByKind(rec cdc.Cdc) map[key.KeyKind]kindDiffs {
	out := make(map[key.KeyKind]kindDiffs)
	for _, ch := range rec.Changes {
		g := out[ch.Kind]
		d := RowDiff{Key: ch.Key, Pre: ch.Before, Post: ch.After}
		if ch.Kind == key.KindRow && len(ch.Key.Bytes()) > 1 && ch.Key.Bytes()[1] == viewRowMarker {
			g.view = append(g.view, d)
		} else {
			g.base = append(g.base, d)
		}
		out[ch.Kind] = g
	}
	return out
}

// Backfill advances every Backfilling flow by up to chunkSize CDC
// versions, reading history via cdc.ReadRange, and promotes a flow to
// Active once it has caught all the way up to upTo. One call moves each
// flow by at most one chunk, so a large backlog is spread over repeated
// calls instead of starving live traffic. Nothing in this package
// schedules those calls; the caller decides the cadence.
func (c *Coordinator) Backfill(ctx context.Context, upTo core.CommitVersion, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultBackfillChunkSize
	}
	for _, id := range c.registry.Flows() {
		state, err := c.registry.State(id)
		if err != nil {
			return err
		}
		if state.Phase != Backfilling {
			continue
		}
		if state.Checkpoint >= upTo {
			if err := c.registry.Promote(id, upTo); err != nil {
				return err
			}
			continue
		}

		to := state.Checkpoint + core.CommitVersion(chunkSize)
		if to > upTo {
			to = upTo
		}
		records, err := cdc.ReadRange(c.mgr, state.Checkpoint, to)
		if err != nil {
			return err
		}

		instructions := c.buildInstructions(records, []FlowId{id}, Backfilling)
		if len(instructions) == 0 {
			if err := c.registry.Checkpoint(id, to); err != nil {
				return err
			}
		} else {
			for _, inst := range instructions {
				inst.ToVersion = to
				deltas, err := c.submit(ctx, WorkerBatch{Instruction: inst})
				if err != nil {
					return err
				}
				admin := c.mgr.BeginAdmin()
				admin.Merge(deltas)
				if err := admin.Commit(); err != nil {
					return err
				}
				c.publishApplied(inst, len(deltas))
			}
		}

		if to >= upTo {
			if err := c.registry.Promote(id, to); err != nil {
				return err
			}
		}
	}
	return nil
}
