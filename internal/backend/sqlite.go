package backend

import (
	"database/sql"
	"fmt"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

// SQLite is the cold/persistent tier: one table per key.KeyKind in a
// modernc.org/sqlite database, an embedded relational store for data that
// must outlive the process. tinySQL itself only exercises
// modernc.org/sqlite from its benchmark
// suite (comparing its own engine against it); here it is promoted to a
// first-class backend tier instead of a comparison target.
//
// Each table is (key BLOB PRIMARY KEY, value BLOB). A NULL value column is
// the tombstone marker, avoiding a second marker column.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if absent) a sqlite database file at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, core.NewBackendIO("backend: opening sqlite database").WithCause(err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers per connection
	return &SQLite{db: db}, nil
}

func tableName(kind key.KeyKind) string {
	return fmt.Sprintf("kind_%d", byte(kind))
}

func (s *SQLite) EnsureTable(kind key.KeyKind) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (key BLOB PRIMARY KEY, value BLOB)`, tableName(kind))
	if _, err := s.db.Exec(stmt); err != nil {
		return core.NewBackendIO("backend: sqlite ensure table").WithCause(err)
	}
	return nil
}

func (s *SQLite) ClearTable(kind key.KeyKind) error {
	stmt := fmt.Sprintf(`DELETE FROM %s`, tableName(kind))
	if _, err := s.db.Exec(stmt); err != nil {
		return core.NewBackendIO("backend: sqlite clear table").WithCause(err)
	}
	return nil
}

func (s *SQLite) Get(kind key.KeyKind, k key.EncodedKey) (core.Values, bool, error) {
	stmt := fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, tableName(kind))
	var raw []byte
	err := s.db.QueryRow(stmt, k.Bytes()).Scan(&raw)
	if err == sql.ErrNoRows {
		return core.Values{}, false, nil
	}
	if err != nil {
		return core.Values{}, false, core.NewBackendIO("backend: sqlite get").WithCause(err)
	}
	if raw == nil {
		return core.Values{}, false, nil // tombstoned
	}
	return core.NewValues(raw), true, nil
}

func (s *SQLite) Contains(kind key.KeyKind, k key.EncodedKey) (bool, error) {
	_, ok, err := s.Get(kind, k)
	return ok, err
}

// SetBatch applies every kind's entries in batch inside a single SQL
// transaction, so a commit spanning several kinds is as atomic at the
// sqlite layer as the database file itself: either every row across every
// kind's table is written, or (on any error, including a mid-batch
// failure) the whole transaction rolls back and none of them are. Every
// kind's table lives in the same database file, so one *sql.Tx can cover
// them all; tables are created as needed inside the same transaction so a
// kind seen for the first time does not need a separate EnsureTable call
// ahead of the commit.
func (s *SQLite) SetBatch(batch map[key.KeyKind][]Entry) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return core.NewBackendIO("backend: sqlite begin batch").WithCause(err)
	}

	kinds := make([]key.KeyKind, 0, len(batch))
	for kind := range batch {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	for _, kind := range kinds {
		createStmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (key BLOB PRIMARY KEY, value BLOB)`, tableName(kind))
		if _, err := tx.Exec(createStmt); err != nil {
			_ = tx.Rollback()
			return core.NewBackendIO("backend: sqlite ensure table in batch").WithCause(err)
		}

		upsertStmt := fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, tableName(kind))
		prepared, err := tx.Prepare(upsertStmt)
		if err != nil {
			_ = tx.Rollback()
			return core.NewBackendIO("backend: sqlite prepare batch").WithCause(err)
		}

		for _, e := range batch[kind] {
			var value []byte
			if !e.Tombstone {
				value = e.Values.Bytes()
			}
			if _, err := prepared.Exec(e.Key.Bytes(), value); err != nil {
				prepared.Close()
				_ = tx.Rollback()
				return core.NewBackendIO("backend: sqlite batch exec").WithCause(err)
			}
		}
		prepared.Close()
	}

	if err := tx.Commit(); err != nil {
		return core.NewBackendIO("backend: sqlite commit batch").WithCause(err)
	}
	return nil
}

func (s *SQLite) Delete(kind key.KeyKind, k key.EncodedKey) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, tableName(kind))
	if _, err := s.db.Exec(stmt, k.Bytes()); err != nil {
		return core.NewBackendIO("backend: sqlite delete").WithCause(err)
	}
	return nil
}

// rangeQuery issues a paginated, over-fetched (limit+1) range query so the
// caller can detect has_more without a second round trip.
func (s *SQLite) rangeQuery(kind key.KeyKind, lower, upper []byte, lowerIncl, upperIncl bool, desc bool, limit int) ([]Entry, error) {
	order := "ASC"
	if desc {
		order = "DESC"
	}
	where := "1=1"
	var args []interface{}
	if lower != nil {
		op := ">"
		if lowerIncl {
			op = ">="
		}
		where += fmt.Sprintf(" AND key %s ?", op)
		args = append(args, lower)
	}
	if upper != nil {
		op := "<"
		if upperIncl {
			op = "<="
		}
		where += fmt.Sprintf(" AND key %s ?", op)
		args = append(args, upper)
	}
	stmt := fmt.Sprintf(`SELECT key, value FROM %s WHERE %s ORDER BY key %s LIMIT ?`, tableName(kind), where, order)
	args = append(args, limit+1)

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, core.NewBackendIO("backend: sqlite range query").WithCause(err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, core.NewBackendIO("backend: sqlite range scan").WithCause(err)
		}
		out = append(out, Entry{Key: key.Raw(k), Values: core.NewValues(v), Tombstone: v == nil})
	}
	return out, rows.Err()
}

func (s *SQLite) RangeNext(kind key.KeyKind, start, end key.EncodedKey, cursor Cursor, limit int) (RangeBatch, error) {
	var lower []byte
	lowerIncl := true
	if cursor.started {
		lower = cursor.last.Bytes()
		lowerIncl = false
	} else if !start.IsEmpty() {
		lower = start.Bytes()
	}
	var upper []byte
	if !end.IsEmpty() {
		upper = end.Bytes()
	}

	entries, err := s.rangeQuery(kind, lower, upper, lowerIncl, false, false, limit)
	if err != nil {
		return RangeBatch{}, err
	}
	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	next := cursor
	if len(entries) > 0 {
		next = Cursor{last: entries[len(entries)-1].Key, started: true}
	}
	return RangeBatch{Entries: entries, Next: next, HasMore: hasMore}, nil
}

func (s *SQLite) RangeRevNext(kind key.KeyKind, start, end key.EncodedKey, cursor Cursor, limit int) (RangeBatch, error) {
	var upper []byte
	upperIncl := false
	if cursor.started {
		upper = cursor.last.Bytes()
		upperIncl = false
	} else if !end.IsEmpty() {
		upper = end.Bytes()
	}
	var lower []byte
	if !start.IsEmpty() {
		lower = start.Bytes()
	}

	entries, err := s.rangeQuery(kind, lower, upper, true, upperIncl, true, limit)
	if err != nil {
		return RangeBatch{}, err
	}
	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	next := cursor
	if len(entries) > 0 {
		next = Cursor{last: entries[len(entries)-1].Key, started: true}
	}
	return RangeBatch{Entries: entries, Next: next, HasMore: hasMore}, nil
}

func (s *SQLite) Stats() []Stats {
	return []Stats{{Tier: "cold"}}
}

func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return core.NewBackendIO("backend: closing sqlite database").WithCause(err)
	}
	return nil
}
