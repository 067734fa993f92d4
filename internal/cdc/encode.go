package cdc

import (
	"bytes"
	"encoding/gob"

	"github.com/reifydb/reifydb/internal/core"
)

// gobChange/gobCdc mirror Change/Cdc with exported fields only, since gob
// cannot encode the unexported-field core.Values and key.EncodedKey types
// directly. Grounded in tinySQL's own use of encoding/gob for its WAL and
// snapshot formats (internal/storage/db.go, wal_advanced.go).
type gobChange struct {
	Kind   byte
	Key    []byte
	Op     uint8
	Before []byte
	After  []byte
}

type gobSystemChange struct {
	Change gobChange
}

type gobCdc struct {
	Version       uint64
	TimestampMs   int64
	Changes       []gobChange
	SystemChanges []gobSystemChange
}

func toGobChange(c Change) gobChange {
	return gobChange{
		Kind:   byte(c.Kind),
		Key:    c.Key.Bytes(),
		Op:     uint8(c.Op),
		Before: c.Before.Bytes(),
		After:  c.After.Bytes(),
	}
}

func encodeCdc(rec Cdc) ([]byte, error) {
	g := gobCdc{Version: uint64(rec.Version), TimestampMs: rec.TimestampMs}
	for _, c := range rec.Changes {
		g.Changes = append(g.Changes, toGobChange(c))
	}
	for _, sc := range rec.SystemChanges {
		g.SystemChanges = append(g.SystemChanges, gobSystemChange{Change: toGobChange(sc.Change)})
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(g); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func fromGobChange(g gobChange) Change {
	return Change{
		Kind:   keyKindFromByte(g.Kind),
		Key:    rawKey(g.Key),
		Op:     ChangeOp(g.Op),
		Before: core.NewValues(g.Before),
		After:  core.NewValues(g.After),
	}
}

func decodeCdc(b []byte) (Cdc, error) {
	var g gobCdc
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&g); err != nil {
		return Cdc{}, core.NewCorruption("cdc: undecodable record").WithCause(err)
	}
	rec := Cdc{Version: core.CommitVersion(g.Version), TimestampMs: g.TimestampMs}
	for _, gc := range g.Changes {
		rec.Changes = append(rec.Changes, fromGobChange(gc))
	}
	for _, gsc := range g.SystemChanges {
		rec.SystemChanges = append(rec.SystemChanges, SystemChange{fromGobChange(gsc.Change)})
	}
	return rec, nil
}
