package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is a Backend on a single sqlite database. Keys are stored as
// BLOBs so that ordering is bytewise.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Writers serialise on the database anyway.
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS namespaces (
			ns TEXT PRIMARY KEY
		);`,
		`CREATE TABLE IF NOT EXISTS kv (
			ns TEXT NOT NULL,
			k BLOB NOT NULL,
			v BLOB NOT NULL,
			PRIMARY KEY (ns, k)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) CreateNamespace(ctx context.Context, ns string) error {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO namespaces (ns) VALUES (?)`, ns)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNamespaceExists
	}
	return nil
}

func (s *SQLite) DeleteNamespace(ctx context.Context, ns string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM namespaces WHERE ns = ?`, ns)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNamespaceNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE ns = ?`, ns); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) NamespaceExists(ctx context.Context, ns string) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT ns FROM namespaces WHERE ns = ?`, ns).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLite) checkNamespace(ctx context.Context, ns string) error {
	ok, err := s.NamespaceExists(ctx, ns)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNamespaceNotFound
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, ns, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE ns = ? AND k = ?`, ns, []byte(key)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		if err := s.checkNamespace(ctx, ns); err != nil {
			return nil, err
		}
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *SQLite) Put(ctx context.Context, ns, key string, value []byte) error {
	if err := s.checkNamespace(ctx, ns); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (ns, k, v) VALUES (?, ?, ?) ON CONFLICT (ns, k) DO UPDATE SET v = excluded.v`,
		ns, []byte(key), value)
	return err
}

func (s *SQLite) Delete(ctx context.Context, ns, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE ns = ? AND k = ?`, ns, []byte(key))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := s.checkNamespace(ctx, ns); err != nil {
			return err
		}
		return ErrKeyNotFound
	}
	return nil
}

func (s *SQLite) Scan(ctx context.Context, ns, start string, fn ScanFunc) error {
	if err := s.checkNamespace(ctx, ns); err != nil {
		return err
	}
	return scanBatches(ctx, start, func(from string, after bool, limit int) ([]entry, error) {
		op := ">="
		if after {
			op = ">"
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT k, v FROM kv WHERE ns = ? AND k `+op+` ? ORDER BY k LIMIT ?`,
			ns, []byte(from), limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []entry
		for rows.Next() {
			var k, v []byte
			if err := rows.Scan(&k, &v); err != nil {
				return nil, err
			}
			out = append(out, entry{key: string(k), value: v})
		}
		return out, rows.Err()
	}, fn)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
