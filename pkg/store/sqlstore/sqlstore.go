// Package sqlstore is a SQLite persistence engine for the versioned record
// store. Payloads are stored as JSON, so numbers read back as float64.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	dberror "entitytx/pkg/error"
	"entitytx/pkg/logging"
	"entitytx/pkg/primitives"
	"entitytx/pkg/record"
	"entitytx/pkg/store"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const component = "SQLStore"

const schema = `
CREATE TABLE IF NOT EXISTS records (
	kind       TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	version    INTEGER NOT NULL,
	payload    TEXT    NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (kind, key)
);

CREATE TABLE IF NOT EXISTS sequences (
	kind TEXT    PRIMARY KEY,
	next INTEGER NOT NULL
);
`

// SQLStore implements store.Store on a single SQLite connection. Every
// Apply runs in one SQL transaction and every write is a compare-and-set on
// the version column.
type SQLStore struct {
	db    *sql.DB
	path  string
	rules *store.Rules
}

var _ store.Store = (*SQLStore)(nil)

// Open opens (creating if needed) the database at path. An empty path or
// ":memory:" opens a private in-memory database.
func Open(path string, rules *store.Rules) (*SQLStore, error) {
	dsn := path
	if path == "" || path == ":memory:" {
		dsn = fmt.Sprintf("file:entitytx-%s?mode=memory&cache=shared", uuid.NewString())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, dberror.Wrap(err, dberror.CodeStorage, "Open", component)
	}
	// One connection: SQLite allows a single writer and an in-memory
	// database lives only as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	s := &SQLStore{db: db, path: path, rules: rules}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, dberror.Wrap(fmt.Errorf("failed to migrate database: %w", err), dberror.CodeStorage, "Open", component)
	}

	logging.WithComponent(component).Info("store opened", "path", dsn)
	return s, nil
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLStore) Rules() *store.Rules {
	return s.rules
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadRecord(ctx context.Context, q queryer, id primitives.RecordID) (record.Record, bool, error) {
	var (
		version   int64
		payload   string
		updatedAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT version, payload, updated_at FROM records WHERE kind = ? AND key = ?`,
		string(id.Kind), id.Key,
	).Scan(&version, &payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, dberror.Wrap(err, dberror.CodeStorage, "Get", component)
	}

	rec, err := decode(id, version, payload, updatedAt)
	if err != nil {
		return record.Record{}, false, err
	}
	return rec, true, nil
}

func decode(id primitives.RecordID, version int64, payload string, updatedAt int64) (record.Record, error) {
	var p record.Payload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return record.Record{}, dberror.Wrap(fmt.Errorf("failed to unmarshal payload of %s: %w", id, err),
			dberror.CodeStorage, "Get", component)
	}
	if p == nil {
		p = record.Payload{}
	}
	return record.Record{
		ID:        id,
		Payload:   p,
		Version:   primitives.Version(version),
		UpdatedAt: time.Unix(0, updatedAt),
	}, nil
}

// Get returns the stored record.
func (s *SQLStore) Get(ctx context.Context, id primitives.RecordID) (record.Record, error) {
	rec, found, err := loadRecord(ctx, s.db, id)
	if err != nil {
		return record.Record{}, err
	}
	if !found {
		return record.Record{}, dberror.Newf(dberror.ErrNotFound, "Get", component, "%s", id)
	}
	return rec, nil
}

func (s *SQLStore) Insert(ctx context.Context, id primitives.RecordID, payload record.Payload) (primitives.Version, error) {
	return store.Insert(ctx, s, id, payload)
}

func (s *SQLStore) Put(ctx context.Context, id primitives.RecordID, payload record.Payload, expected primitives.Version) (primitives.Version, error) {
	return store.Put(ctx, s, id, payload, expected)
}

func (s *SQLStore) Delete(ctx context.Context, id primitives.RecordID, expected primitives.Version) ([]primitives.RecordID, error) {
	return store.Delete(ctx, s, id, expected)
}

// Apply plans the batch inside a SQL transaction and writes each change
// with a version predicate. Any failure rolls the SQL transaction back.
func (s *SQLStore) Apply(ctx context.Context, batch []store.Mutation) ([]store.Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dberror.Wrap(err, dberror.CodeStorage, "Apply", component)
	}
	defer tx.Rollback()

	lookup := func(id primitives.RecordID) (record.Record, bool, error) {
		return loadRecord(ctx, tx, id)
	}

	plan, err := store.BuildPlan(batch, lookup, s.rules, component)
	if err != nil {
		return nil, err
	}

	for _, c := range plan.Changes {
		if err := writeChange(ctx, tx, c); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, dberror.Wrap(err, dberror.CodeStorage, "Apply", component)
	}

	logging.WithComponent(component).Debug("batch applied", "mutations", len(batch), "changes", len(plan.Changes))
	return plan.Outcomes, nil
}

func writeChange(ctx context.Context, tx *sql.Tx, c store.Change) error {
	var (
		res sql.Result
		err error
	)

	switch {
	case c.After == nil:
		res, err = tx.ExecContext(ctx,
			`DELETE FROM records WHERE kind = ? AND key = ? AND version = ?`,
			string(c.ID.Kind), c.ID.Key, int64(c.Before.Version))

	case c.Before == nil:
		payload, mErr := json.Marshal(c.After.Payload)
		if mErr != nil {
			return dberror.Wrap(fmt.Errorf("failed to marshal payload of %s: %w", c.ID, mErr), dberror.CodeStorage, "Apply", component)
		}
		res, err = tx.ExecContext(ctx,
			`INSERT INTO records (kind, key, version, payload, updated_at) VALUES (?, ?, ?, ?, ?)`,
			string(c.ID.Kind), c.ID.Key, int64(c.After.Version), string(payload), c.After.UpdatedAt.UnixNano())

	default:
		payload, mErr := json.Marshal(c.After.Payload)
		if mErr != nil {
			return dberror.Wrap(fmt.Errorf("failed to marshal payload of %s: %w", c.ID, mErr), dberror.CodeStorage, "Apply", component)
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE records SET version = ?, payload = ?, updated_at = ?
			 WHERE kind = ? AND key = ? AND version = ?`,
			int64(c.After.Version), string(payload), c.After.UpdatedAt.UnixNano(),
			string(c.ID.Kind), c.ID.Key, int64(c.Before.Version))
	}
	if err != nil {
		return dberror.Wrap(err, dberror.CodeStorage, "Apply", component)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return dberror.Wrap(err, dberror.CodeStorage, "Apply", component)
	}
	if n != 1 {
		return dberror.Newf(dberror.ErrVersionConflict, "Apply", component, "%s changed during apply", c.ID)
	}
	return nil
}

// Scan returns every record of kind ordered by key.
func (s *SQLStore) Scan(ctx context.Context, kind primitives.EntityKind) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, version, payload, updated_at FROM records WHERE kind = ? ORDER BY key`,
		string(kind))
	if err != nil {
		return nil, dberror.Wrap(err, dberror.CodeStorage, "Scan", component)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		var (
			key       string
			version   int64
			payload   string
			updatedAt int64
		)
		if err := rows.Scan(&key, &version, &payload, &updatedAt); err != nil {
			return nil, dberror.Wrap(err, dberror.CodeStorage, "Scan", component)
		}
		rec, err := decode(primitives.NewRecordID(kind, key), version, payload, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, dberror.Wrap(err, dberror.CodeStorage, "Scan", component)
	}
	return out, nil
}

// NextKey advances the kind's sequence row until it yields a key that no
// explicitly keyed record already uses.
func (s *SQLStore) NextKey(ctx context.Context, kind primitives.EntityKind) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", dberror.Wrap(err, dberror.CodeStorage, "NextKey", component)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sequences (kind, next) VALUES (?, 0) ON CONFLICT(kind) DO NOTHING`, string(kind)); err != nil {
		return "", dberror.Wrap(err, dberror.CodeStorage, "NextKey", component)
	}

	for {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sequences SET next = next + 1 WHERE kind = ?`, string(kind)); err != nil {
			return "", dberror.Wrap(err, dberror.CodeStorage, "NextKey", component)
		}

		var next int64
		if err := tx.QueryRowContext(ctx,
			`SELECT next FROM sequences WHERE kind = ?`, string(kind)).Scan(&next); err != nil {
			return "", dberror.Wrap(err, dberror.CodeStorage, "NextKey", component)
		}

		key := strconv.FormatInt(next, 10)
		_, taken, err := loadRecord(ctx, tx, primitives.NewRecordID(kind, key))
		if err != nil {
			return "", err
		}
		if taken {
			continue
		}

		if err := tx.Commit(); err != nil {
			return "", dberror.Wrap(err, dberror.CodeStorage, "NextKey", component)
		}
		return key, nil
	}
}

// Path returns the path the store was opened with.
func (s *SQLStore) Path() string {
	return s.path
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
