package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	log "github.com/sirupsen/logrus"

	"prism-dashboard/gateway"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// timeLayout is fixed width so that text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite is the default gateway store.
type SQLite struct {
	*sql.DB
	defaults
}

// OpenSQLite opens the database at path, creating parent directories, and
// applies pending migrations.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLite, error) {
	var dsn string
	if path == MemoryPath {
		dsn = "file::memory:?_foreign_keys=ON"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; also keeps a :memory: database on a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	lockPath := ""
	if path != MemoryPath {
		lockPath = path + ".lock"
	}
	if err := Migrate(ctx, db, lockPath); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{DB: db, defaults: newDefaults(opts)}, nil
}

var gooseMu sync.Mutex

// Migrate applies the embedded migrations. When lockPath is set a file lock
// keeps concurrent processes from migrating the same database.
func Migrate(ctx context.Context, db *sql.DB, lockPath string) error {
	if lockPath != "" {
		fl := flock.New(lockPath)
		locked, err := fl.TryLockContext(ctx, 100*time.Millisecond)
		if err != nil {
			return fmt.Errorf("lock database: %w", err)
		}
		if !locked {
			return errors.New("lock database: not acquired")
		}
		defer fl.Unlock()
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetLogger(log.StandardLogger())
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Transaction executes fn within a transaction.
func (s *SQLite) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

var _ gateway.Store = (*SQLite)(nil)

func (s *SQLite) Query(ctx context.Context, e gateway.Entity, q gateway.Query) ([]gateway.Row, error) {
	sch, err := schemaFor("query", e)
	if err != nil {
		return nil, err
	}
	stmt, args, err := buildSelect(sch, q)
	if err != nil {
		return nil, gateway.NewError("query", e, gateway.ErrConstraint, err)
	}
	rows, err := s.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classifySQLite("query", e, err)
	}
	defer rows.Close()
	out, err := scanRows(sch, rows)
	if err != nil {
		return nil, classifySQLite("query", e, err)
	}
	return out, nil
}

func (s *SQLite) Count(ctx context.Context, e gateway.Entity, f gateway.Filter) (int, error) {
	sch, err := schemaFor("count", e)
	if err != nil {
		return 0, err
	}
	stmt, args, err := buildCount(sch, f)
	if err != nil {
		return 0, gateway.NewError("count", e, gateway.ErrConstraint, err)
	}
	var n int
	if err := s.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, classifySQLite("count", e, err)
	}
	return n, nil
}

func (s *SQLite) Insert(ctx context.Context, e gateway.Entity, row gateway.Row) (gateway.Row, error) {
	out, err := s.InsertMany(ctx, e, []gateway.Row{row})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (s *SQLite) InsertMany(ctx context.Context, e gateway.Entity, rows []gateway.Row) ([]gateway.Row, error) {
	sch, err := schemaFor("insert", e)
	if err != nil {
		return nil, err
	}
	type insert struct {
		stmt string
		args []any
	}
	prepared := make([]insert, len(rows))
	for i, r := range rows {
		p, err := s.apply(sch, r)
		if err != nil {
			return nil, gateway.NewError("insert", e, gateway.ErrConstraint, err)
		}
		stmt, args, err := buildInsert(sch, p)
		if err != nil {
			return nil, gateway.NewError("insert", e, gateway.ErrConstraint, err)
		}
		prepared[i] = insert{stmt, args}
	}

	out := make([]gateway.Row, 0, len(rows))
	err = s.Transaction(ctx, func(tx *sql.Tx) error {
		for _, ins := range prepared {
			inserted, err := queryOne(ctx, tx, sch, ins.stmt, ins.args)
			if err != nil {
				return err
			}
			out = append(out, inserted)
		}
		return nil
	})
	if err != nil {
		return nil, classifySQLite("insert", e, err)
	}
	return out, nil
}

func (s *SQLite) Update(ctx context.Context, e gateway.Entity, id string, patch gateway.Row) (gateway.Row, error) {
	sch, err := schemaFor("update", e)
	if err != nil {
		return nil, err
	}
	rows, err := s.updateWhere(ctx, "update", sch, gateway.Where(gateway.Eq(sch.Key, id)), patch)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, gateway.NewError("update", e, gateway.ErrNotFound, fmt.Errorf("%s %q", sch.Key, id))
	}
	return rows[0], nil
}

func (s *SQLite) UpdateWhere(ctx context.Context, e gateway.Entity, f gateway.Filter, patch gateway.Row) ([]gateway.Row, error) {
	sch, err := schemaFor("update_where", e)
	if err != nil {
		return nil, err
	}
	if f.Empty() {
		return nil, gateway.NewError("update_where", e, gateway.ErrConstraint, errors.New("refusing unfiltered update"))
	}
	return s.updateWhere(ctx, "update_where", sch, f, patch)
}

func (s *SQLite) updateWhere(ctx context.Context, op string, sch *gateway.Schema, f gateway.Filter, patch gateway.Row) ([]gateway.Row, error) {
	p, err := sch.Normalize(patch)
	if err != nil {
		return nil, gateway.NewError(op, sch.Entity, gateway.ErrConstraint, err)
	}
	delete(p, sch.Key)
	if len(p) == 0 {
		return s.Query(ctx, sch.Entity, gateway.Query{Filter: f})
	}
	stmt, args, err := buildUpdate(sch, f, p)
	if err != nil {
		return nil, gateway.NewError(op, sch.Entity, gateway.ErrConstraint, err)
	}
	rows, err := s.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classifySQLite(op, sch.Entity, err)
	}
	defer rows.Close()
	out, err := scanRows(sch, rows)
	if err != nil {
		return nil, classifySQLite(op, sch.Entity, err)
	}
	return out, nil
}

func (s *SQLite) Upsert(ctx context.Context, e gateway.Entity, row gateway.Row) (gateway.Row, bool, error) {
	sch, err := schemaFor("upsert", e)
	if err != nil {
		return nil, false, err
	}
	key := row.String(sch.Key)
	if key == "" {
		r, err := s.Insert(ctx, e, row)
		return r, err == nil, err
	}
	p, err := sch.Normalize(row)
	if err != nil {
		return nil, false, gateway.NewError("upsert", e, gateway.ErrConstraint, err)
	}

	var (
		out     gateway.Row
		created bool
	)
	err = s.Transaction(ctx, func(tx *sql.Tx) error {
		byKey := gateway.Where(gateway.Eq(sch.Key, key))
		stmt, args, err := buildCount(sch, byKey)
		if err != nil {
			return gateway.NewError("upsert", e, gateway.ErrConstraint, err)
		}
		var n int
		if err := tx.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			ins, err := s.apply(sch, p)
			if err != nil {
				return gateway.NewError("upsert", e, gateway.ErrConstraint, err)
			}
			stmt, args, err := buildInsert(sch, ins)
			if err != nil {
				return gateway.NewError("upsert", e, gateway.ErrConstraint, err)
			}
			out, err = queryOne(ctx, tx, sch, stmt, args)
			created = true
			return err
		}
		patch := p.Clone()
		delete(patch, sch.Key)
		if len(patch) == 0 {
			stmt, args, err := buildSelect(sch, gateway.Query{Filter: byKey})
			if err != nil {
				return err
			}
			out, err = queryOne(ctx, tx, sch, stmt, args)
			return err
		}
		stmt, args, err = buildUpdate(sch, byKey, patch)
		if err != nil {
			return gateway.NewError("upsert", e, gateway.ErrConstraint, err)
		}
		out, err = queryOne(ctx, tx, sch, stmt, args)
		return err
	})
	if err != nil {
		return nil, false, classifySQLite("upsert", e, err)
	}
	return out, created, nil
}

func schemaFor(op string, e gateway.Entity) (*gateway.Schema, error) {
	sch, ok := gateway.SchemaOf(e)
	if !ok {
		return nil, gateway.NewError(op, e, gateway.ErrConstraint, errors.New("unknown entity"))
	}
	return sch, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryOne(ctx context.Context, q querier, sch *gateway.Schema, stmt string, args []any) (gateway.Row, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out, err := scanRows(sch, rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, sql.ErrNoRows
	}
	return out[0], nil
}

func scanRows(sch *gateway.Schema, rows *sql.Rows) ([]gateway.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []gateway.Row{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		raw := make(gateway.Row, len(cols))
		for i, c := range cols {
			raw[c] = vals[i]
		}
		r, err := sch.Normalize(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func classifySQLite(op string, e gateway.Entity, err error) error {
	if err == nil {
		return nil
	}
	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrConstraint:
			return gateway.NewError(op, e, gateway.ErrConstraint, err)
		case sqlite3.ErrPerm, sqlite3.ErrAuth, sqlite3.ErrReadonly:
			return gateway.NewError(op, e, gateway.ErrAuth, err)
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.NewError(op, e, gateway.ErrNotFound, err)
	}
	return gateway.NewError(op, e, gateway.ErrNetwork, err)
}
