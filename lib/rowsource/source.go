// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

// Package rowsource adapts the relational content store to the cache:
// it issues ordered row queries and returns flat node rows for the
// loader and patcher to reconstruct tree fragments from.
//
// The contract the rest of the cache depends on: streaming queries
// return rows ordered by (level, sort_order) ascending, so a parent
// row is always delivered before its children (parents are strictly
// shallower). Write-side consistency (running the domain write and
// the notification publish in one transaction) is the caller's
// responsibility; this package adds no locking of its own.
package rowsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/copsehq/copse/lib/sqlitepool"
	"github.com/copsehq/copse/lib/treedoc"
)

// ErrStop aborts a streaming query from inside the row callback
// without reporting an error to the caller.
var ErrStop = errors.New("rowsource: stop iteration")

// Row is one stored content node: identity, position, revision, and
// the serialized fragment produced by the domain serializer.
type Row struct {
	ID        treedoc.ID
	ParentID  treedoc.ID
	Level     int
	SortOrder int
	Path      string
	Revision  int64
	Published bool
	Trashed   bool
	Fragment  []byte
}

// State is the publication state of a content item, consulted by the
// patcher before deciding how to refresh a node.
type State struct {
	Exists    bool
	Published bool
	Trashed   bool
}

// Config holds the parameters for opening a source.
type Config struct {
	// Path is the SQLite database file (":memory:" for tests, with
	// PoolSize 1).
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Source is a SQLite-backed row source. Safe for concurrent use.
type Source struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS content_nodes (
	id         INTEGER PRIMARY KEY,
	parent_id  INTEGER NOT NULL,
	level      INTEGER NOT NULL,
	sort_order INTEGER NOT NULL,
	path       TEXT    NOT NULL,
	revision   INTEGER NOT NULL,
	published  INTEGER NOT NULL,
	trashed    INTEGER NOT NULL DEFAULT 0,
	fragment   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS content_nodes_order ON content_nodes (level, sort_order);
CREATE INDEX IF NOT EXISTS content_nodes_path  ON content_nodes (path);
`

// Open creates a source backed by the database at cfg.Path, creating
// the content_nodes table on first use.
func Open(cfg Config) (*Source, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("rowsource: %w", err)
	}
	return &Source{pool: pool, logger: logger}, nil
}

// Close closes the connection pool.
func (s *Source) Close() error {
	return s.pool.Close()
}

const selectColumns = `id, parent_id, level, sort_order, path, revision, published, trashed, fragment`

// All streams every published, untrashed row ordered by
// (level, sort_order) ascending. fn returning [ErrStop] ends the
// stream cleanly; any other error aborts and is returned.
func (s *Source) All(ctx context.Context, fn func(Row) error) error {
	query := `SELECT ` + selectColumns + `
		FROM content_nodes
		WHERE published = 1 AND trashed = 0
		ORDER BY level, sort_order`
	return s.stream(ctx, query, nil, fn)
}

// Branch streams the published, untrashed rows of the subtree whose
// root has the given stored path: the row with that exact path plus
// every row whose path extends it, ordered by (level, sort_order).
func (s *Source) Branch(ctx context.Context, path string, fn func(Row) error) error {
	query := `SELECT ` + selectColumns + `
		FROM content_nodes
		WHERE published = 1 AND trashed = 0
		  AND (path = ? OR path LIKE ? || ',%')
		ORDER BY level, sort_order`
	return s.stream(ctx, query, []any{path, path}, fn)
}

func (s *Source) stream(ctx context.Context, query string, args []any, fn func(Row) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("rowsource: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			return fn(rowFromStmt(stmt))
		},
	})
	if errors.Is(err, ErrStop) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rowsource: streaming rows: %w", err)
	}
	return nil
}

// Lookup returns the stored row for id regardless of publication
// state. The second result is false when no such row exists.
func (s *Source) Lookup(ctx context.Context, id treedoc.ID) (Row, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Row{}, false, fmt.Errorf("rowsource: %w", err)
	}
	defer s.pool.Put(conn)

	var row Row
	found := false
	err = sqlitex.Execute(conn,
		`SELECT `+selectColumns+` FROM content_nodes WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{int64(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				row = rowFromStmt(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Row{}, false, fmt.Errorf("rowsource: looking up %d: %w", id, err)
	}
	return row, found, nil
}

// State returns the publication state for id.
func (s *Source) State(ctx context.Context, id treedoc.ID) (State, error) {
	row, found, err := s.Lookup(ctx, id)
	if err != nil {
		return State{}, err
	}
	if !found {
		return State{}, nil
	}
	return State{Exists: true, Published: row.Published, Trashed: row.Trashed}, nil
}

// Put upserts rows in a single immediate transaction. Used by tests
// and the seeding tool; the production write path lives with the
// domain layer.
func (s *Source) Put(ctx context.Context, rows ...Row) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("rowsource: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("rowsource: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, row := range rows {
		err = sqlitex.Execute(conn, `
			INSERT INTO content_nodes
				(id, parent_id, level, sort_order, path, revision, published, trashed, fragment)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				parent_id = excluded.parent_id,
				level = excluded.level,
				sort_order = excluded.sort_order,
				path = excluded.path,
				revision = excluded.revision,
				published = excluded.published,
				trashed = excluded.trashed,
				fragment = excluded.fragment`,
			&sqlitex.ExecOptions{
				Args: []any{
					int64(row.ID),
					int64(row.ParentID),
					row.Level,
					row.SortOrder,
					row.Path,
					row.Revision,
					boolToInt(row.Published),
					boolToInt(row.Trashed),
					string(row.Fragment),
				},
			})
		if err != nil {
			return fmt.Errorf("rowsource: upserting %d: %w", row.ID, err)
		}
	}
	return nil
}

// Delete removes the row for id. No-op when absent.
func (s *Source) Delete(ctx context.Context, id treedoc.ID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("rowsource: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM content_nodes WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{int64(id)}})
	if err != nil {
		return fmt.Errorf("rowsource: deleting %d: %w", id, err)
	}
	return nil
}

// Node parses the row's serialized fragment and stamps the row's
// stored position and revision onto it. The row columns are
// authoritative; position attributes baked into the fragment are
// overridden. The returned node is detached.
func (r Row) Node() (*treedoc.Node, error) {
	node, err := treedoc.ParseFragment(r.Fragment)
	if err != nil {
		return nil, fmt.Errorf("rowsource: row %d: %w", int64(r.ID), err)
	}
	if node.ID() != r.ID {
		return nil, fmt.Errorf("rowsource: row %d carries fragment for node %d", int64(r.ID), int64(node.ID()))
	}
	node.SetParentID(r.ParentID)
	node.SetLevel(r.Level)
	node.SetPath(r.Path)
	node.SortOrder = r.SortOrder
	node.Revision = r.Revision
	return node, nil
}

func rowFromStmt(stmt *sqlite.Stmt) Row {
	return Row{
		ID:        treedoc.ID(stmt.ColumnInt64(0)),
		ParentID:  treedoc.ID(stmt.ColumnInt64(1)),
		Level:     stmt.ColumnInt(2),
		SortOrder: stmt.ColumnInt(3),
		Path:      stmt.ColumnText(4),
		Revision:  stmt.ColumnInt64(5),
		Published: stmt.ColumnInt(6) != 0,
		Trashed:   stmt.ColumnInt(7) != 0,
		Fragment:  []byte(stmt.ColumnText(8)),
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
