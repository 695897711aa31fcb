// Package bdkeeper owns the local SQLite file: schema migrations, short
// transactions and the generic owner-scoped row helpers used by the entity
// adapters and the sync bookkeeping tables.
package bdkeeper

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/wurt83ow/orgkeeper/pkg/logger"
	"github.com/wurt83ow/orgkeeper/pkg/models"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// goose keeps its configuration in package globals.
var migrateMu sync.Mutex

// ErrNoRow is returned when a lookup matches nothing.
var ErrNoRow = errors.New("row not found")

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Keeper struct {
	db  *sql.DB
	log logger.LoggerInterface
}

// New opens (or creates) the database file at path and migrates it to the
// latest schema before returning.
func New(path string, log logger.LoggerInterface) (*Keeper, error) {
	if log == nil {
		log = logger.Discard()
	}

	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", "NORMAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_foreign_keys", "on")
	params.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// one writer at a time; every caller goes through this connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}

	if err := migrate(db, log); err != nil {
		db.Close()
		return nil, err
	}

	return &Keeper{
		db:  db,
		log: log,
	}, nil
}

func migrate(db *sql.DB, log logger.LoggerInterface) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(gooseLogger{log})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

type gooseLogger struct {
	log logger.LoggerInterface
}

func (g gooseLogger) Printf(format string, v ...interface{}) {
	g.log.Printf("migrate: "+strings.TrimSuffix(format, "\n"), v...)
}

// Fatalf is only reached on broken migration files; goose expects it to stop
// the run, so the message is logged and the error surfaces through Up.
func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	g.log.Printf("migrate fatal: "+strings.TrimSuffix(format, "\n"), v...)
}

// DB exposes the pooled handle for statements that need no transaction.
func (k *Keeper) DB() *sql.DB {
	return k.db
}

func (k *Keeper) Close() error {
	return k.db.Close()
}

// WithTx runs fn inside a transaction, committing when it returns nil.
// fn must only use tx: the pool holds a single connection.
func (k *Keeper) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Watermark returns the saved pull marker of table for ownerID.
func (k *Keeper) Watermark(ctx context.Context, ownerID, table string) (time.Time, bool, error) {
	var since string
	err := k.db.QueryRowContext(ctx,
		`SELECT since FROM sync_watermarks WHERE owner_id = ? AND table_name = ?`,
		ownerID, table).Scan(&since)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read watermark %s: %w", table, err)
	}
	t, err := models.AsTime(since)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// SetWatermark stores the pull marker. It never moves a marker backwards.
func (k *Keeper) SetWatermark(ctx context.Context, w models.Watermark) error {
	_, err := k.db.ExecContext(ctx, `
		INSERT INTO sync_watermarks(owner_id, table_name, since) VALUES (?, ?, ?)
		ON CONFLICT(owner_id, table_name) DO UPDATE SET since = excluded.since
		WHERE excluded.since > sync_watermarks.since`,
		w.OwnerID, w.Table, models.FormatTime(w.Since))
	if err != nil {
		return fmt.Errorf("write watermark %s: %w", w.Table, err)
	}
	return nil
}

// ResetWatermarks forgets every pull marker of ownerID so the next pull is full.
func (k *Keeper) ResetWatermarks(ctx context.Context, ownerID string) error {
	if _, err := k.db.ExecContext(ctx, `DELETE FROM sync_watermarks WHERE owner_id = ?`, ownerID); err != nil {
		return fmt.Errorf("reset watermarks: %w", err)
	}
	return nil
}

// TableSeeded reports whether every row of table was already queued once for
// the initial push.
func TableSeeded(ctx context.Context, q Querier, ownerID, table string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_seeded_tables WHERE owner_id = ? AND table_name = ?`,
		ownerID, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("read seed flag %s: %w", table, err)
	}
	return n > 0, nil
}

func MarkTableSeeded(ctx context.Context, q Querier, ownerID, table string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_seeded_tables(owner_id, table_name, seeded_at) VALUES (?, ?, ?)
		ON CONFLICT(owner_id, table_name) DO NOTHING`,
		ownerID, table, models.FormatTime(at))
	if err != nil {
		return fmt.Errorf("write seed flag %s: %w", table, err)
	}
	return nil
}

func RowSeeded(ctx context.Context, q Querier, ownerID, table string, id int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_seeded_rows WHERE owner_id = ? AND table_name = ? AND entity_id = ?`,
		ownerID, table, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("read seed marker %s/%d: %w", table, id, err)
	}
	return n > 0, nil
}

func MarkRowSeeded(ctx context.Context, q Querier, ownerID, table string, id int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_seeded_rows(owner_id, table_name, entity_id) VALUES (?, ?, ?)
		ON CONFLICT(owner_id, table_name, entity_id) DO NOTHING`,
		ownerID, table, id)
	if err != nil {
		return fmt.Errorf("write seed marker %s/%d: %w", table, id, err)
	}
	return nil
}

// ClearSeedMarkers drops the initial-push bookkeeping of ownerID.
func (k *Keeper) ClearSeedMarkers(ctx context.Context, ownerID string) error {
	return k.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_seeded_rows WHERE owner_id = ?`, ownerID); err != nil {
			return fmt.Errorf("clear seed markers: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_seeded_tables WHERE owner_id = ?`, ownerID); err != nil {
			return fmt.Errorf("clear seed flags: %w", err)
		}
		return nil
	})
}

func ident(name string) (string, error) {
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return name, nil
}

func idents(names []string) (string, error) {
	out := make([]string, len(names))
	for i, n := range names {
		q, err := ident(n)
		if err != nil {
			return "", err
		}
		out[i] = q
	}
	return strings.Join(out, ", "), nil
}

// InsertRow writes the given columns of row into table.
func InsertRow(ctx context.Context, q Querier, table string, columns []string, row models.Record) error {
	t, err := ident(table)
	if err != nil {
		return err
	}
	cols, err := idents(columns)
	if err != nil {
		return err
	}
	values := make([]any, len(columns))
	for i, c := range columns {
		values[i] = row[c]
	}
	query := fmt.Sprintf("INSERT INTO %s(%s) VALUES (%s)",
		t, cols, strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "))
	if _, err := q.ExecContext(ctx, query, values...); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

// UpdateRow overwrites the given columns of the row (id, ownerID) and returns
// the number of rows touched.
func UpdateRow(ctx context.Context, q Querier, table, ownerID string, id int64, columns []string, row models.Record) (int64, error) {
	t, err := ident(table)
	if err != nil {
		return 0, err
	}
	sets := make([]string, 0, len(columns))
	values := make([]any, 0, len(columns)+2)
	for _, c := range columns {
		if c == models.ColID || c == models.ColOwnerID {
			continue
		}
		col, err := ident(c)
		if err != nil {
			return 0, err
		}
		sets = append(sets, col+" = ?")
		values = append(values, row[c])
	}
	if len(sets) == 0 {
		return 0, fmt.Errorf("update %s: nothing to set", table)
	}
	values = append(values, id, ownerID)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND owner_id = ?", t, strings.Join(sets, ", "))
	res, err := q.ExecContext(ctx, query, values...)
	if err != nil {
		return 0, fmt.Errorf("update %s/%d: %w", table, id, err)
	}
	return res.RowsAffected()
}

// DeleteRow removes the row (id, ownerID) and returns the number of rows removed.
func DeleteRow(ctx context.Context, q Querier, table, ownerID string, id int64) (int64, error) {
	t, err := ident(table)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ? AND owner_id = ?", t), id, ownerID)
	if err != nil {
		return 0, fmt.Errorf("delete %s/%d: %w", table, id, err)
	}
	return res.RowsAffected()
}

// GetRow loads a row by primary key regardless of owner. Callers compare the
// owner themselves so a foreign row with the same id can be detected.
func GetRow(ctx context.Context, q Querier, table string, columns []string, id int64) (models.Record, error) {
	t, err := ident(table)
	if err != nil {
		return nil, err
	}
	cols, err := idents(columns)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", cols, t), id)
	if err != nil {
		return nil, fmt.Errorf("select %s/%d: %w", table, id, err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows, columns)
	if err != nil {
		return nil, fmt.Errorf("select %s/%d: %w", table, id, err)
	}
	if len(recs) == 0 {
		return nil, ErrNoRow
	}
	return recs[0], nil
}

// SelectRows returns every row of ownerID in table ordered by id.
func SelectRows(ctx context.Context, q Querier, table string, columns []string, ownerID string) ([]models.Record, error) {
	t, err := ident(table)
	if err != nil {
		return nil, err
	}
	cols, err := idents(columns)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE owner_id = ? ORDER BY id", cols, t), ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows, columns)
}

// RowIDs lists the primary keys of ownerID's rows in table.
func RowIDs(ctx context.Context, q Querier, table, ownerID string) ([]int64, error) {
	t, err := ident(table)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT id FROM %s WHERE owner_id = ? ORDER BY id", t), ownerID)
	if err != nil {
		return nil, fmt.Errorf("list %s ids: %w", table, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows encountered an error: %w", err)
	}
	return ids, nil
}

// MaxID returns the highest id present in table across all owners.
func MaxID(ctx context.Context, q Querier, table string) (int64, error) {
	t, err := ident(table)
	if err != nil {
		return 0, err
	}
	var id sql.NullInt64
	if err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(id) FROM %s", t)).Scan(&id); err != nil {
		return 0, fmt.Errorf("max id %s: %w", table, err)
	}
	return id.Int64, nil
}

func scanRecords(rows *sql.Rows, columns []string) ([]models.Record, error) {
	var out []models.Record
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rec := make(models.Record, len(columns))
		for i, c := range columns {
			if b, ok := values[i].([]byte); ok {
				rec[c] = string(b)
				continue
			}
			rec[c] = values[i]
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows encountered an error: %w", err)
	}
	return out, nil
}
