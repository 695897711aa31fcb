package syncqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wurt83ow/orgkeeper/pkg/models"
)

// Cursor walks the PENDING entries of one owner in queue order, claiming
// each page IN_FLIGHT as it is read. It only sees entries that existed when
// the first page was read, so a drain always ends.
type Cursor struct {
	q       *Queue
	ownerID string

	started   bool
	done      bool
	maxID     int64
	startedAt time.Time

	lastEnqueued string
	lastID       int64
}

// Drain starts a new pass over ownerID's queue. A cursor abandoned halfway
// leaves its claimed entries IN_FLIGHT until Recover runs; the unclaimed
// remainder is simply picked up by the next drain.
func (q *Queue) Drain(ownerID string) *Cursor {
	return &Cursor{q: q, ownerID: ownerID}
}

// Next claims and returns the next page. An empty page means the drain is over.
func (c *Cursor) Next(ctx context.Context) ([]models.QueuedMutation, error) {
	if c.done {
		return nil, nil
	}

	var page []models.QueuedMutation
	err := c.q.keeper.WithTx(ctx, func(tx *sql.Tx) error {
		if !c.started {
			var maxID sql.NullInt64
			if err := tx.QueryRowContext(ctx, `SELECT MAX(id) FROM sync_queue`).Scan(&maxID); err != nil {
				return fmt.Errorf("drain snapshot: %w", err)
			}
			c.maxID = maxID.Int64
			c.startedAt = c.q.now()
			c.started = true
		}

		rows, err := tx.QueryContext(ctx, `SELECT `+selectColumns+`
			FROM sync_queue
			WHERE owner_id = ? AND status = 'PENDING' AND id <= ? AND next_attempt_at <= ?
			  AND (enqueued_at, id) > (?, ?)
			ORDER BY enqueued_at, id
			LIMIT ?`,
			c.ownerID, c.maxID, models.FormatTime(c.startedAt),
			c.lastEnqueued, c.lastID, c.q.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("drain %s: %w", c.ownerID, err)
		}
		page, err = scanEntries(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}

		ids := make([]any, len(page))
		for i := range page {
			ids[i] = page[i].ID
			page[i].Status = models.StatusInFlight
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sync_queue SET status = 'IN_FLIGHT' WHERE id IN (`+placeholders(len(ids))+`)`, ids...)
		if err != nil {
			return fmt.Errorf("claim entries: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(page) == 0 {
		c.done = true
		return nil, nil
	}
	last := page[len(page)-1]
	c.lastEnqueued = models.FormatTime(last.EnqueuedAt)
	c.lastID = last.ID
	if len(page) < c.q.cfg.PageSize {
		c.done = true
	}
	return page, nil
}
