package syncqueue

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wurt83ow/orgkeeper/pkg/bdkeeper"
	"github.com/wurt83ow/orgkeeper/pkg/logger"
	"github.com/wurt83ow/orgkeeper/pkg/models"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newQueue(t *testing.T, cfg Config) (*Queue, *bdkeeper.Keeper, *clock) {
	t.Helper()
	k, err := bdkeeper.New(filepath.Join(t.TempDir(), "queue.db"), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })

	clk := &clock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	q := New(k, cfg, logger.Discard())
	q.Now = clk.Now
	return q, k, clk
}

func ptr(id int64) *int64 { return &id }

func enqueue(t *testing.T, q *Queue, k *bdkeeper.Keeper, m Mutation) (models.QueuedMutation, bool) {
	t.Helper()
	var (
		entry   models.QueuedMutation
		written bool
	)
	err := k.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		entry, written, err = q.Enqueue(context.Background(), tx, m)
		return err
	})
	require.NoError(t, err)
	return entry, written
}

func mutation(op models.Operation, id int64, name string) Mutation {
	return Mutation{
		Table:     "members",
		EntityID:  ptr(id),
		OwnerID:   "u1",
		Operation: op,
		Payload:   models.Record{"id": id, "first_name": name},
	}
}

func drainAll(t *testing.T, q *Queue, owner string) []models.QueuedMutation {
	t.Helper()
	var out []models.QueuedMutation
	cur := q.Drain(owner)
	for {
		page, err := cur.Next(context.Background())
		require.NoError(t, err)
		if len(page) == 0 {
			return out
		}
		out = append(out, page...)
	}
}

func TestCoalescingUpdateUpdateDelete(t *testing.T) {
	q, k, _ := newQueue(t, DefaultConfig())

	enqueue(t, q, k, mutation(models.OpUpdate, 7, "a"))
	enqueue(t, q, k, mutation(models.OpUpdate, 7, "b"))
	enqueue(t, q, k, mutation(models.OpDelete, 7, ""))

	entries, err := q.Entries(context.Background(), "u1", models.StatusPending)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OpDelete, entries[0].Operation)
}

func TestCoalescingInsertThenUpdateStaysInsert(t *testing.T) {
	q, k, clk := newQueue(t, DefaultConfig())

	first, _ := enqueue(t, q, k, mutation(models.OpInsert, 7, "a"))
	clk.Advance(time.Second)
	enqueue(t, q, k, mutation(models.OpInsert, 8, "other"))
	clk.Advance(time.Second)
	second, written := enqueue(t, q, k, mutation(models.OpUpdate, 7, "b"))
	assert.True(t, written)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.OpInsert, second.Operation)

	entries := drainAll(t, q, "u1")
	require.Len(t, entries, 2)
	// the coalesced entry keeps its place at the head of the queue
	assert.Equal(t, first.ID, entries[0].ID)
	rec, err := entries[0].Record()
	require.NoError(t, err)
	assert.Equal(t, "b", rec["first_name"])
}

func TestPendingDeleteIsNeverReplaced(t *testing.T) {
	q, k, _ := newQueue(t, DefaultConfig())

	enqueue(t, q, k, mutation(models.OpDelete, 7, ""))
	_, written := enqueue(t, q, k, mutation(models.OpUpdate, 7, "late"))
	assert.False(t, written)

	entries, err := q.Entries(context.Background(), "u1", models.StatusPending)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OpDelete, entries[0].Operation)
}

func TestEnqueueRejectsInvalidMutations(t *testing.T) {
	q, k, _ := newQueue(t, DefaultConfig())
	ctx := context.Background()

	cases := []Mutation{
		{Table: "", OwnerID: "u1", Operation: models.OpInsert},
		{Table: "members", OwnerID: "", Operation: models.OpInsert},
		{Table: "members", OwnerID: "u1", Operation: "UPSERT"},
		{Table: "members", OwnerID: "u1", Operation: models.OpDelete},
	}
	for _, m := range cases {
		err := k.WithTx(ctx, func(tx *sql.Tx) error {
			_, _, err := q.Enqueue(ctx, tx, m)
			return err
		})
		assert.ErrorIs(t, err, ErrInvalidMutation)
	}
}

func TestEnqueueRollsBackWithEntityWrite(t *testing.T) {
	q, k, _ := newQueue(t, DefaultConfig())
	ctx := context.Background()

	boom := errors.New("disk full")
	err := k.WithTx(ctx, func(tx *sql.Tx) error {
		if _, _, err := q.Enqueue(ctx, tx, mutation(models.OpInsert, 7, "a")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	st, err := q.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
}

func TestDrainOrderClaimAndOwnerScope(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PageSize = 2
	q, k, clk := newQueue(t, cfg)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		enqueue(t, q, k, mutation(models.OpInsert, i, "m"))
		clk.Advance(time.Millisecond)
	}
	other := mutation(models.OpInsert, 100, "x")
	other.OwnerID = "u2"
	enqueue(t, q, k, other)

	cur := q.Drain("u1")
	page, err := cur.Next(ctx)
	require.NoError(t, err)
	require.Len(t, page, 2)

	// entries created after the drain started are left for the next pass
	enqueue(t, q, k, mutation(models.OpInsert, 6, "late"))

	var got []int64
	for _, e := range page {
		got = append(got, *e.EntityID)
	}
	for {
		page, err = cur.Next(ctx)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			assert.Equal(t, models.StatusInFlight, e.Status)
			got = append(got, *e.EntityID)
		}
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, got)

	st, err := q.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, InFlight: 5}, st)
}

func TestMarkFailedBackoffAndCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.BackoffBase = time.Second
	cfg.BackoffMax = 3 * time.Second
	q, k, clk := newQueue(t, cfg)
	ctx := context.Background()

	enqueue(t, q, k, mutation(models.OpInsert, 7, "a"))

	cause := errors.New("connection refused")
	for attempt := 1; attempt <= 3; attempt++ {
		entries := drainAll(t, q, "u1")
		require.Len(t, entries, 1, "attempt %d", attempt)

		entry, err := q.MarkFailed(ctx, entries[0], cause)
		require.NoError(t, err)
		assert.Equal(t, attempt, entry.Attempts)
		assert.Equal(t, "connection refused", entry.LastError)

		if attempt < 3 {
			assert.Equal(t, models.StatusPending, entry.Status)
			// gated until the backoff expires
			assert.Empty(t, drainAll(t, q, "u1"))
			clk.Advance(q.Backoff(attempt))
		} else {
			assert.Equal(t, models.StatusFailed, entry.Status)
		}
	}

	clk.Advance(time.Hour)
	assert.Empty(t, drainAll(t, q, "u1"))

	failed, err := q.Failed(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, q.Retry(ctx, "u1", failed[0].ID))
	entries := drainAll(t, q, "u1")
	require.Len(t, entries, 1)
	assert.Zero(t, entries[0].Attempts)
}

func TestBackoffCurve(t *testing.T) {
	q, _, _ := newQueue(t, Config{
		MaxAttempts:   10,
		BackoffBase:   time.Second,
		BackoffMax:    10 * time.Second,
		BackoffFactor: 2,
	})

	assert.Equal(t, time.Duration(0), q.Backoff(0))
	assert.Equal(t, time.Second, q.Backoff(1))
	assert.Equal(t, 2*time.Second, q.Backoff(2))
	assert.Equal(t, 8*time.Second, q.Backoff(4))
	assert.Equal(t, 10*time.Second, q.Backoff(5))
	assert.Equal(t, 10*time.Second, q.Backoff(500))
}

func TestMarkFailedDropsSupersededEntry(t *testing.T) {
	q, k, _ := newQueue(t, DefaultConfig())
	ctx := context.Background()

	enqueue(t, q, k, mutation(models.OpInsert, 7, "a"))
	inflight := drainAll(t, q, "u1")
	require.Len(t, inflight, 1)

	// the user edits the row while the push is on the wire
	enqueue(t, q, k, mutation(models.OpUpdate, 7, "b"))

	_, err := q.MarkFailed(ctx, inflight[0], errors.New("timeout"))
	require.NoError(t, err)

	pending, err := q.Entries(ctx, "u1", models.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OpUpdate, pending[0].Operation)

	st, err := q.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1}, st)
}

func TestRecoverAndPurge(t *testing.T) {
	q, k, clk := newQueue(t, DefaultConfig())
	ctx := context.Background()

	enqueue(t, q, k, mutation(models.OpInsert, 1, "a"))
	enqueue(t, q, k, mutation(models.OpInsert, 2, "b"))
	claimed := drainAll(t, q, "u1")
	require.Len(t, claimed, 2)

	// entity 2 changed again before the crash
	enqueue(t, q, k, mutation(models.OpUpdate, 2, "c"))

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries := drainAll(t, q, "u1")
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.NoError(t, q.MarkDone(ctx, e))
	}

	purged, err := q.PurgeDone(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, purged)

	clk.Advance(2 * time.Hour)
	purged, err = q.PurgeDone(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)
}

func TestPendingForAndDropPending(t *testing.T) {
	q, k, _ := newQueue(t, DefaultConfig())
	ctx := context.Background()

	enqueue(t, q, k, mutation(models.OpUpdate, 7, "a"))

	entries, err := PendingFor(ctx, k.DB(), "members", "u1", 7)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entries, err = PendingFor(ctx, k.DB(), "members", "u2", 7)
	require.NoError(t, err)
	assert.Empty(t, entries)

	n, err := DropPending(ctx, k.DB(), "members", "u1", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	maxID, err := MaxEntityID(ctx, k.DB(), "members")
	require.NoError(t, err)
	assert.Zero(t, maxID)
}

func TestRetryAndDiscardUnknownEntry(t *testing.T) {
	q, _, _ := newQueue(t, DefaultConfig())
	ctx := context.Background()

	assert.ErrorIs(t, q.Retry(ctx, "u1", 42), ErrNotFound)
	assert.ErrorIs(t, q.Discard(ctx, "u1", 42), ErrNotFound)
}

func TestReleaseKeepsAttempts(t *testing.T) {
	q, k, _ := newQueue(t, DefaultConfig())
	ctx := context.Background()

	enqueue(t, q, k, mutation(models.OpInsert, 1, "a"))
	claimed := drainAll(t, q, "u1")
	require.Len(t, claimed, 1)

	require.NoError(t, q.Release(ctx, claimed))

	again := drainAll(t, q, "u1")
	require.Len(t, again, 1)
	assert.Zero(t, again[0].Attempts)
}
