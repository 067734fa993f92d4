// Package reifydb wires together the core subsystems — the multi-version
// store, the transaction manager, the CDC pipeline and the flow engine —
// behind the single Engine type external collaborators (a SQL layer, an
// RPC server, a CLI) are meant to depend on. Nothing in this file
// implements a subsystem itself; every subsystem is its own internal
// package, grounded independently (see DESIGN.md). Engine is an explicit
// service instantiated at startup and passed by reference to every
// caller, replacing the original's process-wide globals.
package reifydb

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/reifydb/reifydb/internal/backend"
	"github.com/reifydb/reifydb/internal/cdc"
	"github.com/reifydb/reifydb/internal/config"
	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/event"
	"github.com/reifydb/reifydb/internal/flow"
	"github.com/reifydb/reifydb/internal/key"
	"github.com/reifydb/reifydb/internal/multi"
	"github.com/reifydb/reifydb/internal/stats"
	"github.com/reifydb/reifydb/internal/txn"
)

// Engine is the core's single entry point. Construct one with Open, use
// it for the lifetime of the process, and Close it on shutdown.
type Engine struct {
	cfg config.EngineConfig

	backend backend.Backend
	bus     *event.Bus
	store   *multi.Store
	mgr     *txn.Manager
	stats   *stats.Accumulator

	consumers   *cdc.ConsumerRegistry
	producer    *cdc.Producer
	cleanup     *cdc.Cleanup
	flows       *flow.Registry
	coordinator *flow.Coordinator

	nextFlowID uint64
}

// Open builds every subsystem over cfg, wires them into the commit path
// (commit -> MultiVersionCommitEvent -> CDC producer -> stats accumulator
// -> flow coordinator), and starts their background actors (CDC producer
// worker, cleanup cron, flow worker pool). Call (*Engine).Close to stop
// them.
func Open(cfg config.EngineConfig) (*Engine, error) {
	b, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}

	bus := event.NewBus()
	acc := stats.New(nil)
	st := multi.New(b, bus, acc)
	mgr := txn.NewManager(st, bus)

	consumers := cdc.NewConsumerRegistry(mgr)
	producer := cdc.NewProducer(st, mgr, bus, cfg.Cdc.MailboxCapacity).WithStats(acc)
	cleanup := cdc.NewCleanup(st, mgr, consumers, bus, cfg.Cdc.CleanupInterval).WithStats(acc)

	flows := flow.NewRegistry(mgr)
	coordinator := flow.NewCoordinator(st, mgr, flows, bus, cfg.Flow.WorkerPoolSize)

	e := &Engine{
		cfg:         cfg,
		backend:     b,
		bus:         bus,
		store:       st,
		mgr:         mgr,
		stats:       acc,
		consumers:   consumers,
		producer:    producer,
		cleanup:     cleanup,
		flows:       flows,
		coordinator: coordinator,
	}

	producer.Start()
	coordinator.Start()
	if err := cleanup.Start(cfg.Cdc.CleanupInterval); err != nil {
		producer.Stop()
		coordinator.Stop()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"storage_mode":     string(cfg.Storage.Mode),
		"mailbox_capacity": cfg.Cdc.MailboxCapacity,
		"cleanup_interval": cfg.Cdc.CleanupInterval.String(),
	}).Info("reifydb: engine started")

	return e, nil
}

func openBackend(cfg config.EngineConfig) (backend.Backend, error) {
	hot := backend.NewMemory()
	if cfg.Storage.Mode == config.ModeMemory {
		return hot, nil
	}

	warm, err := backend.OpenBolt(cfg.Storage.WarmPath)
	if err != nil {
		return nil, fmt.Errorf("reifydb: opening warm tier: %w", err)
	}
	cold, err := backend.OpenSQLite(cfg.Storage.ColdPath)
	if err != nil {
		warm.Close()
		return nil, fmt.Errorf("reifydb: opening cold tier: %w", err)
	}
	return backend.NewTiered(hot, warm, cold, backend.DefaultPlacement), nil
}

// Close stops every background actor and releases the storage backend.
// Safe to call once; Engine is not reusable afterward.
func (e *Engine) Close() error {
	e.cleanup.Stop()
	e.producer.Stop()
	e.coordinator.Stop()
	logrus.Info("reifydb: engine stopped")
	return e.backend.Close()
}

// BeginQuery starts a read-only transaction.
func (e *Engine) BeginQuery() *txn.QueryTxn { return e.mgr.BeginQuery() }

// BeginCommand starts a read-write transaction with serializable conflict
// detection at commit.
func (e *Engine) BeginCommand() *txn.CommandTxn { return e.mgr.BeginCommand() }

// BeginAdmin starts an internal read-write transaction exempt from the
// read-set conflict check.
func (e *Engine) BeginAdmin() *txn.AdminTxn { return e.mgr.BeginAdmin() }

// RegisterConsumer enrolls a new CDC consumer starting at fromVersion. If
// name is empty a uuid is minted, giving the consumer a stable external
// handle rather than a commit-version-scoped one.
func (e *Engine) RegisterConsumer(name string, fromVersion core.CommitVersion) (string, error) {
	if name == "" {
		name = uuid.NewString()
	}
	if err := e.consumers.Register(name, fromVersion); err != nil {
		return "", err
	}
	return name, nil
}

// Checkpoint advances a registered consumer's checkpoint.
func (e *Engine) Checkpoint(consumer string, version core.CommitVersion) error {
	return e.consumers.Checkpoint(consumer, version)
}

// ReadRange returns every durable Cdc record in (fromExclusive,
// toInclusive].
func (e *Engine) ReadRange(fromExclusive, toInclusive core.CommitVersion) ([]cdc.Cdc, error) {
	return cdc.ReadRange(e.mgr, fromExclusive, toInclusive)
}

// ReadRangeLimit is ReadRange bounded to at most limit records; limit <= 0
// means unbounded.
func (e *Engine) ReadRangeLimit(fromExclusive, toInclusive core.CommitVersion, limit int) ([]cdc.Cdc, error) {
	return cdc.ReadRangeLimit(e.mgr, fromExclusive, toInclusive, limit)
}

// Subscribe registers a typed event listener on the engine's bus. The
// returned Unsubscribe stops delivery.
func Subscribe[E any](e *Engine, listener func(E)) event.Unsubscribe {
	return event.Subscribe(e.bus, listener)
}

// CreateFlow assigns dag a fresh FlowId if it does not already carry one,
// registers it with the flow registry as Backfilling, and returns the id.
// A production deployment would instead insert the DAG into a catalog
// under a reserved key prefix for the coordinator to discover via CDC;
// this direct registration path is today's implemented simplification
// (see DESIGN.md).
func (e *Engine) CreateFlow(dag *flow.FlowDag) (flow.FlowId, error) {
	if dag.ID == 0 {
		e.nextFlowID++
		dag.ID = flow.FlowId(e.nextFlowID)
	}
	if err := e.flows.Add(dag); err != nil {
		return 0, err
	}
	logrus.WithField("flow_id", uint64(dag.ID)).Info("reifydb: flow created, backfilling")
	return dag.ID, nil
}

// DropFlow removes a flow's durable lifecycle record and its in-memory
// DAG, so the coordinator stops routing CDC to it.
func (e *Engine) DropFlow(id flow.FlowId) error {
	if err := e.flows.Drop(id); err != nil {
		return err
	}
	logrus.WithField("flow_id", uint64(id)).Info("reifydb: flow dropped")
	return nil
}

// Consume routes newly-committed CDC through the flow coordinator. Callers
// (typically a driver loop reading from ReadRange) pass every Cdc record
// produced since the coordinator's last call; the returned deltas must be
// merged into the same outer transaction that advances the CDC consumer
// checkpoint so a coordinator failure never leaves a checkpoint advanced
// past work that was never durably applied.
func (e *Engine) Consume(cdcs []cdc.Cdc, newFlows ...*flow.FlowDag) ([]core.Delta, error) {
	return e.coordinator.Consume(context.Background(), cdcs, newFlows)
}

// Backfill advances every Backfilling flow by up to one chunk of CDC
// history. Nothing in the engine calls it on a schedule; the caller
// decides the cadence.
func (e *Engine) Backfill(upTo core.CommitVersion) error {
	return e.coordinator.Backfill(context.Background(), upTo, e.cfg.Flow.BackfillChunk)
}

// SetRetentionPolicy overrides how many historical versions the retention
// sweep keeps for every key of the given kind. Absent an override, a
// sweep keeps only each key's latest live version once the watermark has
// passed it.
func (e *Engine) SetRetentionPolicy(kind key.KeyKind, policy core.RetentionPolicy) {
	e.store.SetRetentionPolicy(kind, policy)
}

// Sweep forces one retention pass immediately: the watermark is
// recomputed from the registered consumers' checkpoints and applied to
// both the multi-version store and the durable CDC log, without waiting
// for the periodic cleanup cadence.
func (e *Engine) Sweep() { e.cleanup.Sweep() }

// FlushDropWorker forces the store's deferred drop work to converge to
// watermark synchronously. Narrower than Sweep: it touches only the
// multi-version store, never the CDC log, and trusts the caller's
// watermark instead of computing one.
func (e *Engine) FlushDropWorker(watermark core.CommitVersion) error {
	return e.store.FlushDropWorker(watermark)
}

// StorageStats returns every recorded stats bucket for a given tier.
func (e *Engine) StorageStats(tier stats.Tier) []stats.MultiStorageStats { return e.stats.ScanTier(tier) }

// CdcStats returns the durable CDC log's own footprint per object; the
// producer and the cleanup sweep attribute every record to the object
// "cdc".
func (e *Engine) CdcStats() []stats.CdcStats { return e.stats.ScanAll() }

// LastCommittedVersion returns the highest version any transaction has
// successfully committed.
func (e *Engine) LastCommittedVersion() core.CommitVersion { return e.store.LastCommittedVersion() }

// KeyKind is a convenience re-export so an external collaborator (a SQL
// catalog layer) can see which key.KeyKind partitions exist without
// importing the key package's internals directly.
type KeyKind = key.KeyKind
