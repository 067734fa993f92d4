package flow

import (
	"encoding/binary"
	"fmt"

	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
	"github.com/reifydb/reifydb/internal/txn"
)

// Phase is a flow's lifecycle stage: a newly registered flow starts
// Backfilling against CDC history and is promoted to Active once the
// coordinator has caught it up to the version it was registered at.
type Phase uint8

const (
	Backfilling Phase = iota + 1
	Active
)

func (p Phase) String() string {
	if p == Active {
		return "active"
	}
	return "backfilling"
}

// State is a flow's durable lifecycle record: its phase and the highest
// CDC version it has been caught up through.
type State struct {
	Phase      Phase
	Checkpoint core.CommitVersion
}

const flowSubState byte = 1 // [flow id] -> encoded State

func flowStateKey(id FlowId) key.EncodedKey {
	return key.NewBuilder(key.KindFlow).AppendByte(flowSubState).AppendUint64(uint64(id)).Build()
}

func flowStateScanBounds() (key.EncodedKey, key.EncodedKey) {
	lo := key.NewBuilder(key.KindFlow).AppendByte(flowSubState).Build()
	hi := key.NewBuilder(key.KindFlow).AppendByte(flowSubState + 1).Build()
	return lo, hi
}

func encodeState(s State) core.Values {
	var buf [9]byte
	buf[0] = byte(s.Phase)
	binary.BigEndian.PutUint64(buf[1:], uint64(s.Checkpoint))
	return core.NewValues(buf[:])
}

func decodeState(v core.Values) (State, error) {
	b := v.Bytes()
	if len(b) < 9 {
		return State{}, fmt.Errorf("flow: truncated state record")
	}
	return State{Phase: Phase(b[0]), Checkpoint: core.CommitVersion(binary.BigEndian.Uint64(b[1:]))}, nil
}

// Registry holds every flow's DAG (in memory, rebuilt at process start by
// whatever wires up the engine) alongside its durable lifecycle state in
// the store. Mirrors cdc.ConsumerRegistry's split between an in-memory
// index and AdminTxn-backed durable bookkeeping.
type Registry struct {
	mgr  *txn.Manager
	dags map[FlowId]*FlowDag
}

// NewRegistry constructs an empty flow registry over mgr.
func NewRegistry(mgr *txn.Manager) *Registry {
	return &Registry{mgr: mgr, dags: make(map[FlowId]*FlowDag)}
}

// Add registers dag and records a fresh Backfilling state checkpointed at
// zero. Re-adding an already-known flow id is an error: use
// Checkpoint/Promote to advance an existing flow's state instead.
func (r *Registry) Add(dag *FlowDag) error {
	if _, exists := r.dags[dag.ID]; exists {
		return fmt.Errorf("flow: flow %d already registered", dag.ID)
	}
	admin := r.mgr.BeginAdmin()
	admin.Set(flowStateKey(dag.ID), encodeState(State{Phase: Backfilling, Checkpoint: 0}))
	if err := admin.Commit(); err != nil {
		return err
	}
	r.dags[dag.ID] = dag
	return nil
}

// KnownFlowIds returns every flow id with a durable state record, whether
// or not its DAG has been re-registered in this process yet. A process
// restarting wires up DAGs (code, not data) and then calls Add for each
// one it recognizes; this lets it first discover which ids it needs to
// account for.
func (r *Registry) KnownFlowIds() ([]FlowId, error) {
	q := r.mgr.BeginQuery()
	defer q.Close()
	lo, hi := flowStateScanBounds()
	scanner := q.Range(key.KindFlow, lo, hi)
	var out []FlowId
	for {
		e, ok, err := scanner.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		d := key.NewDecoder(e.Key)
		if _, err := d.Byte(); err != nil {
			return nil, err
		}
		if _, err := d.Byte(); err != nil {
			return nil, err
		}
		id, err := d.Uint64()
		if err != nil {
			return nil, err
		}
		out = append(out, FlowId(id))
	}
	return out, nil
}

// Dag returns the DAG registered for id, or nil if unknown.
func (r *Registry) Dag(id FlowId) *FlowDag { return r.dags[id] }

// Flows returns every flow id currently registered in memory.
func (r *Registry) Flows() []FlowId {
	out := make([]FlowId, 0, len(r.dags))
	for id := range r.dags {
		out = append(out, id)
	}
	return out
}

// State returns id's durable lifecycle record.
func (r *Registry) State(id FlowId) (State, error) {
	q := r.mgr.BeginQuery()
	defer q.Close()
	v, ok, err := q.Get(key.KindFlow, flowStateKey(id))
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, fmt.Errorf("flow: no state recorded for flow %d", id)
	}
	return decodeState(v)
}

// Checkpoint advances id's checkpoint in place, keeping its current phase.
func (r *Registry) Checkpoint(id FlowId, version core.CommitVersion) error {
	cur, err := r.State(id)
	if err != nil {
		return err
	}
	cur.Checkpoint = version
	admin := r.mgr.BeginAdmin()
	admin.Set(flowStateKey(id), encodeState(cur))
	return admin.Commit()
}

// Promote moves id from Backfilling to Active at the given checkpoint.
// Calling it on an already-Active flow is a no-op beyond advancing the
// checkpoint.
func (r *Registry) Promote(id FlowId, checkpoint core.CommitVersion) error {
	admin := r.mgr.BeginAdmin()
	admin.Set(flowStateKey(id), encodeState(State{Phase: Active, Checkpoint: checkpoint}))
	return admin.Commit()
}

// Drop removes id's durable lifecycle record and forgets its in-memory
// DAG. Operator and view state already written under the flow's reserved
// key prefix is left in place for a future retention sweep rather than
// walked and deleted eagerly.
func (r *Registry) Drop(id FlowId) error {
	admin := r.mgr.BeginAdmin()
	if err := admin.Remove(key.KindFlow, flowStateKey(id)); err != nil {
		admin.Rollback()
		return err
	}
	if err := admin.Commit(); err != nil {
		return err
	}
	delete(r.dags, id)
	return nil
}

// SourceDependents returns every registered flow with at least one source
// node tagged as consuming kind, paired with that flow's matching source
// node ids.
func (r *Registry) SourceDependents(kind key.KeyKind) map[FlowId][]FlowNodeId {
	out := make(map[FlowId][]FlowNodeId)
	for id, dag := range r.dags {
		if sources := dag.SourcesForKind(kind); len(sources) > 0 {
			out[id] = sources
		}
	}
	return out
}
