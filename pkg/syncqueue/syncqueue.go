// Package syncqueue is the durable log of local changes waiting to be pushed.
//
// Entries are written in the same transaction as the entity change they
// describe. At most one PENDING entry exists per entity; later changes
// coalesce into it.
package syncqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/wurt83ow/orgkeeper/pkg/bdkeeper"
	"github.com/wurt83ow/orgkeeper/pkg/logger"
	"github.com/wurt83ow/orgkeeper/pkg/models"
)

var (
	// ErrNotFound is returned by Retry and Discard for unknown entries.
	ErrNotFound = errors.New("queue entry not found")
	// ErrInvalidMutation is returned by Enqueue for malformed input.
	ErrInvalidMutation = errors.New("invalid mutation")
)

// Config controls retries. See DefaultConfig.
type Config struct {
	// MaxAttempts is the retry ceiling; an entry failing this many times
	// becomes FAILED and is no longer drained.
	MaxAttempts int
	// BackoffBase is the delay after the first failure.
	BackoffBase time.Duration
	// BackoffMax caps the delay.
	BackoffMax time.Duration
	// BackoffFactor multiplies the delay after every further failure.
	BackoffFactor float64
	// PageSize is the number of entries claimed per Cursor.Next call.
	PageSize int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		BackoffBase:   5 * time.Second,
		BackoffMax:    10 * time.Minute,
		BackoffFactor: 2,
		PageSize:      50,
	}
}

// Mutation is a local change to record.
type Mutation struct {
	Table     string
	EntityID  *int64
	OwnerID   string
	Operation models.Operation
	Payload   models.Record
	// UpdatedAt is the row's updated_at after the change, or the deletion time.
	UpdatedAt time.Time
}

// Stats counts the entries of one owner by status.
type Stats struct {
	Pending  int
	InFlight int
	Failed   int
	Done     int
}

type Queue struct {
	keeper *bdkeeper.Keeper
	cfg    Config
	log    logger.LoggerInterface

	// Now is the clock; tests replace it.
	Now func() time.Time
}

func New(keeper *bdkeeper.Keeper, cfg Config, log logger.LoggerInterface) *Queue {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase < 0 {
		cfg.BackoffBase = 0
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Queue{
		keeper: keeper,
		cfg:    cfg,
		log:    log,
		Now:    time.Now,
	}
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

func (q *Queue) now() time.Time {
	return q.Now().UTC()
}

const selectColumns = `id, table_name, entity_id, owner_id, operation, payload,
	entity_updated_at, enqueued_at, attempts, status, last_error, next_attempt_at`

// Enqueue records m inside tx, the transaction that performed the entity
// write. It reports false when the change was discarded because a DELETE of
// the same entity is still pending.
func (q *Queue) Enqueue(ctx context.Context, tx bdkeeper.Querier, m Mutation) (models.QueuedMutation, bool, error) {
	if err := validate(m); err != nil {
		return models.QueuedMutation{}, false, err
	}
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return models.QueuedMutation{}, false, fmt.Errorf("encode payload %s: %w", m.Table, err)
	}
	if m.Payload == nil {
		payload = []byte("{}")
	}
	now := q.now()
	updatedAt := m.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	if m.EntityID != nil {
		existing, err := pendingEntry(ctx, tx, m.Table, m.OwnerID, *m.EntityID)
		if err != nil {
			return models.QueuedMutation{}, false, err
		}
		if existing != nil {
			return q.coalesce(ctx, tx, *existing, m, payload, updatedAt)
		}
	}

	entry := models.QueuedMutation{
		Table:           m.Table,
		EntityID:        m.EntityID,
		OwnerID:         m.OwnerID,
		Operation:       m.Operation,
		Payload:         payload,
		EntityUpdatedAt: updatedAt.UTC(),
		EnqueuedAt:      now,
		Status:          models.StatusPending,
		NextAttemptAt:   now,
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue(table_name, entity_id, owner_id, operation, payload,
			entity_updated_at, enqueued_at, attempts, status, last_error, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, '', ?)`,
		entry.Table, nullableID(entry.EntityID), entry.OwnerID, string(entry.Operation), string(payload),
		models.FormatTime(entry.EntityUpdatedAt), models.FormatTime(now), string(models.StatusPending),
		models.FormatTime(now))
	if err != nil {
		return models.QueuedMutation{}, false, fmt.Errorf("enqueue %s: %w", entry.Key(), err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return models.QueuedMutation{}, false, fmt.Errorf("enqueue %s: %w", entry.Key(), err)
	}
	return entry, true, nil
}

// coalesce folds m into the PENDING entry of the same entity, keeping the
// entry's position in the queue.
func (q *Queue) coalesce(ctx context.Context, tx bdkeeper.Querier, existing models.QueuedMutation, m Mutation, payload []byte, updatedAt time.Time) (models.QueuedMutation, bool, error) {
	if existing.Operation == models.OpDelete && m.Operation != models.OpDelete {
		q.log.Printf("queue: discarded %s of %s behind pending delete", m.Operation, existing.Key())
		return existing, false, nil
	}

	op := m.Operation
	if existing.Operation == models.OpInsert && m.Operation == models.OpUpdate {
		// the remote row may not exist yet
		op = models.OpInsert
	}

	now := q.now()
	_, err := tx.ExecContext(ctx, `
		UPDATE sync_queue
		SET operation = ?, payload = ?, entity_updated_at = ?, attempts = 0,
			last_error = '', next_attempt_at = ?
		WHERE id = ?`,
		string(op), string(payload), models.FormatTime(updatedAt), models.FormatTime(now), existing.ID)
	if err != nil {
		return models.QueuedMutation{}, false, fmt.Errorf("coalesce %s: %w", existing.Key(), err)
	}

	existing.Operation = op
	existing.Payload = payload
	existing.EntityUpdatedAt = updatedAt.UTC()
	existing.Attempts = 0
	existing.LastError = ""
	existing.NextAttemptAt = now
	return existing, true, nil
}

func validate(m Mutation) error {
	switch {
	case m.Table == "":
		return fmt.Errorf("%w: table is empty", ErrInvalidMutation)
	case m.OwnerID == "":
		return fmt.Errorf("%w: owner is empty", ErrInvalidMutation)
	case !m.Operation.Valid():
		return fmt.Errorf("%w: operation %q", ErrInvalidMutation, m.Operation)
	case m.EntityID == nil && m.Operation != models.OpInsert:
		return fmt.Errorf("%w: %s without entity id", ErrInvalidMutation, m.Operation)
	}
	return nil
}

// MarkDone records the backend's acknowledgement of entry.
func (q *Queue) MarkDone(ctx context.Context, entry models.QueuedMutation) error {
	_, err := q.keeper.DB().ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, last_error = '', done_at = ? WHERE id = ?`,
		string(models.StatusDone), models.FormatTime(q.now()), entry.ID)
	if err != nil {
		return fmt.Errorf("mark done %s: %w", entry.Key(), err)
	}
	return nil
}

// MarkFailed records a failed push of entry. The entry goes back to PENDING
// behind a backoff gate, or to FAILED once it reached the retry ceiling. An
// entry superseded by a newer PENDING change of the same entity is dropped.
// The returned value carries the resulting state.
func (q *Queue) MarkFailed(ctx context.Context, entry models.QueuedMutation, cause error) (models.QueuedMutation, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	err := q.keeper.WithTx(ctx, func(tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRowContext(ctx, `SELECT attempts FROM sync_queue WHERE id = ?`, entry.ID).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("mark failed %s: %w", entry.Key(), ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("mark failed %s: %w", entry.Key(), err)
		}
		attempts++
		entry.Attempts = attempts
		entry.LastError = msg

		if entry.EntityID != nil {
			newer, err := pendingEntry(ctx, tx, entry.Table, entry.OwnerID, *entry.EntityID)
			if err != nil {
				return err
			}
			if newer != nil && newer.ID != entry.ID {
				if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, entry.ID); err != nil {
					return fmt.Errorf("drop superseded %s: %w", entry.Key(), err)
				}
				entry.Status = models.StatusDone
				return nil
			}
		}

		now := q.now()
		if attempts >= q.cfg.MaxAttempts {
			entry.Status = models.StatusFailed
			entry.NextAttemptAt = now
		} else {
			entry.Status = models.StatusPending
			entry.NextAttemptAt = now.Add(q.Backoff(attempts))
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_queue SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?
			WHERE id = ?`,
			string(entry.Status), attempts, msg, models.FormatTime(entry.NextAttemptAt), entry.ID)
		if err != nil {
			return fmt.Errorf("mark failed %s: %w", entry.Key(), err)
		}
		return nil
	})
	if err != nil {
		return entry, err
	}

	if entry.Status == models.StatusFailed {
		q.log.Printf("queue: %s gave up after %d attempts: %s", entry.Key(), entry.Attempts, msg)
	}
	return entry, nil
}

// Backoff returns the delay before the next attempt after the given number
// of failed attempts.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts <= 0 || q.cfg.BackoffBase <= 0 {
		return 0
	}
	d := float64(q.cfg.BackoffBase) * math.Pow(q.cfg.BackoffFactor, float64(attempts-1))
	if d > float64(q.cfg.BackoffMax) || math.IsInf(d, 0) {
		return q.cfg.BackoffMax
	}
	return time.Duration(d)
}

// Recover returns IN_FLIGHT entries left behind by an interrupted push to
// PENDING. Entries already superseded by a newer PENDING change are dropped.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	var recovered int
	err := q.keeper.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM sync_queue
			WHERE status = 'IN_FLIGHT' AND entity_id IS NOT NULL AND EXISTS (
				SELECT 1 FROM sync_queue p
				WHERE p.status = 'PENDING' AND p.table_name = sync_queue.table_name
				  AND p.owner_id = sync_queue.owner_id AND p.entity_id = sync_queue.entity_id)`); err != nil {
			return fmt.Errorf("drop superseded in-flight entries: %w", err)
		}
		res, err := tx.ExecContext(ctx, `UPDATE sync_queue SET status = 'PENDING' WHERE status = 'IN_FLIGHT'`)
		if err != nil {
			return fmt.Errorf("recover in-flight entries: %w", err)
		}
		n, err := res.RowsAffected()
		recovered = int(n)
		return err
	})
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		q.log.Printf("queue: recovered %d interrupted entries", recovered)
	}
	return recovered, nil
}

// Release hands claimed entries that were never attempted back to the queue
// without counting an attempt.
func (q *Queue) Release(ctx context.Context, entries []models.QueuedMutation) error {
	if len(entries) == 0 {
		return nil
	}
	return q.keeper.WithTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			if e.EntityID != nil {
				newer, err := pendingEntry(ctx, tx, e.Table, e.OwnerID, *e.EntityID)
				if err != nil {
					return err
				}
				if newer != nil && newer.ID != e.ID {
					if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, e.ID); err != nil {
						return fmt.Errorf("drop superseded %s: %w", e.Key(), err)
					}
					continue
				}
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE sync_queue SET status = 'PENDING' WHERE id = ? AND status = 'IN_FLIGHT'`, e.ID); err != nil {
				return fmt.Errorf("release %s: %w", e.Key(), err)
			}
		}
		return nil
	})
}

// PurgeDone deletes acknowledged entries older than retention.
func (q *Queue) PurgeDone(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := models.FormatTime(q.now().Add(-retention))
	res, err := q.keeper.DB().ExecContext(ctx,
		`DELETE FROM sync_queue WHERE status = 'DONE' AND done_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge done entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *Queue) Stats(ctx context.Context, ownerID string) (Stats, error) {
	rows, err := q.keeper.DB().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_queue WHERE owner_id = ? GROUP BY status`, ownerID)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, fmt.Errorf("queue stats: %w", err)
		}
		switch models.QueueStatus(status) {
		case models.StatusPending:
			st.Pending = n
		case models.StatusInFlight:
			st.InFlight = n
		case models.StatusFailed:
			st.Failed = n
		case models.StatusDone:
			st.Done = n
		}
	}
	return st, rows.Err()
}

// Entries lists ownerID's entries with the given status in queue order.
func (q *Queue) Entries(ctx context.Context, ownerID string, status models.QueueStatus) ([]models.QueuedMutation, error) {
	rows, err := q.keeper.DB().QueryContext(ctx, `SELECT `+selectColumns+`
		FROM sync_queue WHERE owner_id = ? AND status = ? ORDER BY enqueued_at, id`,
		ownerID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list %s entries: %w", status, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Failed lists the entries that reached the retry ceiling.
func (q *Queue) Failed(ctx context.Context, ownerID string) ([]models.QueuedMutation, error) {
	return q.Entries(ctx, ownerID, models.StatusFailed)
}

// Retry puts a FAILED entry back in the queue with a fresh attempt budget.
// When the entity has since been changed again the stale entry is dropped.
func (q *Queue) Retry(ctx context.Context, ownerID string, id int64) error {
	return q.keeper.WithTx(ctx, func(tx *sql.Tx) error {
		entry, err := entryByID(ctx, tx, ownerID, id)
		if err != nil {
			return err
		}
		if entry.Status != models.StatusFailed {
			return fmt.Errorf("retry entry %d: %w", id, ErrNotFound)
		}
		if entry.EntityID != nil {
			newer, err := pendingEntry(ctx, tx, entry.Table, entry.OwnerID, *entry.EntityID)
			if err != nil {
				return err
			}
			if newer != nil {
				_, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_queue SET status = 'PENDING', attempts = 0, last_error = '', next_attempt_at = ?
			WHERE id = ?`, models.FormatTime(q.now()), id)
		if err != nil {
			return fmt.Errorf("retry entry %d: %w", id, err)
		}
		return nil
	})
}

// Discard removes a FAILED entry without pushing it.
func (q *Queue) Discard(ctx context.Context, ownerID string, id int64) error {
	res, err := q.keeper.DB().ExecContext(ctx,
		`DELETE FROM sync_queue WHERE id = ? AND owner_id = ? AND status = 'FAILED'`, id, ownerID)
	if err != nil {
		return fmt.Errorf("discard entry %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("discard entry %d: %w", id, ErrNotFound)
	}
	return nil
}

// PendingFor returns the unacknowledged (PENDING or IN_FLIGHT) entries of one
// entity, oldest first.
func PendingFor(ctx context.Context, tx bdkeeper.Querier, table, ownerID string, id int64) ([]models.QueuedMutation, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+selectColumns+`
		FROM sync_queue
		WHERE table_name = ? AND owner_id = ? AND entity_id = ? AND status IN ('PENDING', 'IN_FLIGHT')
		ORDER BY enqueued_at, id`, table, ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("pending entries %s/%d: %w", table, id, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// DropPending removes the PENDING entry of one entity, if any.
func DropPending(ctx context.Context, tx bdkeeper.Querier, table, ownerID string, id int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE table_name = ? AND owner_id = ? AND entity_id = ? AND status = 'PENDING'`,
		table, ownerID, id)
	if err != nil {
		return 0, fmt.Errorf("drop pending %s/%d: %w", table, id, err)
	}
	return res.RowsAffected()
}

// MaxEntityID returns the highest entity id ever queued for table, so freshly
// assigned local ids never reuse the id of a row whose delete is unflushed.
func MaxEntityID(ctx context.Context, tx bdkeeper.Querier, table string) (int64, error) {
	var id sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(entity_id) FROM sync_queue WHERE table_name = ?`, table).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("max queued id %s: %w", table, err)
	}
	return id.Int64, nil
}

func pendingEntry(ctx context.Context, tx bdkeeper.Querier, table, ownerID string, id int64) (*models.QueuedMutation, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+selectColumns+`
		FROM sync_queue
		WHERE table_name = ? AND owner_id = ? AND entity_id = ? AND status = 'PENDING'`,
		table, ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("lookup pending %s/%d: %w", table, id, err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func entryByID(ctx context.Context, tx bdkeeper.Querier, ownerID string, id int64) (models.QueuedMutation, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+selectColumns+`
		FROM sync_queue WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return models.QueuedMutation{}, fmt.Errorf("lookup entry %d: %w", id, err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return models.QueuedMutation{}, err
	}
	if len(entries) == 0 {
		return models.QueuedMutation{}, fmt.Errorf("lookup entry %d: %w", id, ErrNotFound)
	}
	return entries[0], nil
}

func scanEntries(rows *sql.Rows) ([]models.QueuedMutation, error) {
	var out []models.QueuedMutation
	for rows.Next() {
		var (
			m                                   models.QueuedMutation
			entityID                            sql.NullInt64
			op, payload, status                 string
			entityUpdatedAt, enqueuedAt, nextAt string
		)
		if err := rows.Scan(&m.ID, &m.Table, &entityID, &m.OwnerID, &op, &payload,
			&entityUpdatedAt, &enqueuedAt, &m.Attempts, &status, &m.LastError, &nextAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		if entityID.Valid {
			id := entityID.Int64
			m.EntityID = &id
		}
		m.Operation = models.Operation(op)
		m.Payload = json.RawMessage(payload)
		m.Status = models.QueueStatus(status)

		var err error
		if m.EntityUpdatedAt, err = models.AsTime(entityUpdatedAt); err != nil {
			return nil, err
		}
		if m.EnqueuedAt, err = models.AsTime(enqueuedAt); err != nil {
			return nil, err
		}
		if m.NextAttemptAt, err = models.AsTime(nextAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows encountered an error: %w", err)
	}
	return out, nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
