package entity

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wurt83ow/orgkeeper/pkg/bdkeeper"
	"github.com/wurt83ow/orgkeeper/pkg/logger"
	"github.com/wurt83ow/orgkeeper/pkg/models"
	"github.com/wurt83ow/orgkeeper/pkg/syncqueue"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newKeeper(t *testing.T) *bdkeeper.Keeper {
	t.Helper()
	k, err := bdkeeper.New(filepath.Join(t.TempDir(), "entity.db"), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })
	return k
}

func memberRecord(id int64, owner, name string, updatedAt time.Time) models.Record {
	return models.Record{
		"id":         id,
		"owner_id":   owner,
		"updated_at": models.FormatTime(updatedAt),
		"first_name": name,
		"last_name":  "Doe",
	}
}

func insertLocal(t *testing.T, k *bdkeeper.Keeper, a Adapter, owner string, rec models.Record) {
	t.Helper()
	err := k.WithTx(context.Background(), func(tx *sql.Tx) error {
		return a.Insert(context.Background(), tx, owner, rec)
	})
	require.NoError(t, err)
}

func upsert(k *bdkeeper.Keeper, a Adapter, owner string, rec models.Record, at time.Time) (bool, error) {
	var applied bool
	err := k.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		applied, err = a.UpsertFromRemote(context.Background(), tx, owner, rec, at)
		return err
	})
	return applied, err
}

func TestUpsertInsertsWithRemoteID(t *testing.T) {
	k := newKeeper(t)
	a := NewMembers(logger.Discard())

	applied, err := upsert(k, a, "u1", memberRecord(7, "u1", "Ann", t0), t0)
	require.NoError(t, err)
	assert.True(t, applied)

	row, err := a.Get(context.Background(), k.DB(), "u1", 7)
	require.NoError(t, err)
	assert.Equal(t, "Ann", row["first_name"])
	assert.Equal(t, "active", row["status"])
	assert.Equal(t, models.FormatTime(t0), row["updated_at"])
}

func TestUpsertLastWriterWins(t *testing.T) {
	k := newKeeper(t)
	a := NewMembers(logger.Discard())
	insertLocal(t, k, a, "u1", memberRecord(7, "u1", "Local", t0))

	// older remote value leaves the row alone
	applied, err := upsert(k, a, "u1", memberRecord(7, "u1", "Stale", t0.Add(-time.Second)), t0.Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, applied)

	row, err := a.Get(context.Background(), k.DB(), "u1", 7)
	require.NoError(t, err)
	assert.Equal(t, "Local", row["first_name"])

	// a tie goes to the remote value
	applied, err = upsert(k, a, "u1", memberRecord(7, "u1", "Remote", t0), t0)
	require.NoError(t, err)
	assert.True(t, applied)

	row, err = a.Get(context.Background(), k.DB(), "u1", 7)
	require.NoError(t, err)
	assert.Equal(t, "Remote", row["first_name"])
}

func TestUpsertOwnerIsolation(t *testing.T) {
	k := newKeeper(t)
	a := NewMembers(logger.Discard())
	insertLocal(t, k, a, "u1", memberRecord(7, "u1", "Mine", t0))

	// foreign record with a colliding id
	applied, err := upsert(k, a, "u1", memberRecord(7, "u2", "Theirs", t0.Add(time.Hour)), t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrOwnershipViolation)
	assert.False(t, applied)

	// session of another owner receiving its own record for a taken id
	applied, err = upsert(k, a, "u2", memberRecord(7, "u2", "Theirs", t0.Add(time.Hour)), t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrOwnershipViolation)
	assert.False(t, applied)

	row, err := a.Get(context.Background(), k.DB(), "u1", 7)
	require.NoError(t, err)
	assert.Equal(t, "Mine", row["first_name"])

	_, err = a.Get(context.Background(), k.DB(), "u2", 7)
	assert.ErrorIs(t, err, ErrNotFound)

	rows, err := a.List(context.Background(), k.DB(), "u2")
	require.NoError(t, err)
	assert.Empty(t, rows)

	// missing owner is never trusted
	rec := memberRecord(8, "", "Nobody", t0)
	delete(rec, "owner_id")
	_, err = upsert(k, a, "u1", rec, t0)
	assert.ErrorIs(t, err, ErrOwnershipViolation)
}

func TestUpsertNeverEnqueuesAndDropsStalePending(t *testing.T) {
	k := newKeeper(t)
	a := NewMembers(logger.Discard())
	q := syncqueue.New(k, syncqueue.DefaultConfig(), logger.Discard())
	ctx := context.Background()

	id := int64(7)
	err := k.WithTx(ctx, func(tx *sql.Tx) error {
		rec := memberRecord(id, "u1", "Local", t0)
		if err := a.Insert(ctx, tx, "u1", rec); err != nil {
			return err
		}
		_, _, err := q.Enqueue(ctx, tx, syncqueue.Mutation{
			Table: TableMembers, EntityID: &id, OwnerID: "u1",
			Operation: models.OpUpdate, Payload: rec, UpdatedAt: t0,
		})
		return err
	})
	require.NoError(t, err)

	applied, err := upsert(k, a, "u1", memberRecord(id, "u1", "Remote", t0.Add(time.Minute)), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, applied)

	st, err := q.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, syncqueue.Stats{}, st)

	applied, err = upsert(k, a, "u1", memberRecord(8, "u1", "New", t0), t0)
	require.NoError(t, err)
	assert.True(t, applied)

	st, err = q.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, syncqueue.Stats{}, st)
}

func TestUpsertDoesNotResurrectLocallyDeletedRow(t *testing.T) {
	k := newKeeper(t)
	a := NewMembers(logger.Discard())
	q := syncqueue.New(k, syncqueue.DefaultConfig(), logger.Discard())
	ctx := context.Background()

	id := int64(7)
	insertLocal(t, k, a, "u1", memberRecord(id, "u1", "Gone", t0))
	err := k.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := a.Delete(ctx, tx, "u1", id); err != nil {
			return err
		}
		_, _, err := q.Enqueue(ctx, tx, syncqueue.Mutation{
			Table: TableMembers, EntityID: &id, OwnerID: "u1",
			Operation: models.OpDelete, UpdatedAt: t0.Add(time.Minute),
		})
		return err
	})
	require.NoError(t, err)

	applied, err := upsert(k, a, "u1", memberRecord(id, "u1", "Gone", t0), t0)
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = a.Get(ctx, k.DB(), "u1", id)
	assert.ErrorIs(t, err, ErrNotFound)

	// an edit made elsewhere after the delete wins
	applied, err = upsert(k, a, "u1", memberRecord(id, "u1", "Back", t0.Add(time.Hour)), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, applied)

	// and the older queued delete no longer applies
	st, err := q.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
}

func TestUpsertTombstone(t *testing.T) {
	k := newKeeper(t)
	a := NewMembers(logger.Discard())
	ctx := context.Background()
	insertLocal(t, k, a, "u1", memberRecord(7, "u1", "Ann", t0))

	tomb := models.Record{"id": int64(7), "owner_id": "u1", "deleted": true}

	applied, err := upsert(k, a, "u1", tomb, t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = upsert(k, a, "u1", tomb, t0)
	require.NoError(t, err)
	assert.True(t, applied)

	_, err = a.Get(ctx, k.DB(), "u1", 7)
	assert.ErrorIs(t, err, ErrNotFound)

	// tombstone of a row never seen locally
	applied, err = upsert(k, a, "u1", models.Record{"id": int64(9), "owner_id": "u1", "deleted": true}, t0)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestUpsertRejectsInvalidRecord(t *testing.T) {
	k := newKeeper(t)
	a := NewMembers(logger.Discard())

	rec := memberRecord(7, "u1", "", t0)
	_, err := upsert(k, a, "u1", rec, t0)
	assert.ErrorIs(t, err, ErrInvalidRecord)

	rec = memberRecord(0, "u1", "Ann", t0)
	delete(rec, "id")
	_, err = upsert(k, a, "u1", rec, t0)
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestDAO(t *testing.T) {
	k := newKeeper(t)
	a := NewMembers(logger.Discard())
	ctx := context.Background()
	insertLocal(t, k, a, "u1", memberRecord(1, "u1", "Ann", t0))
	insertLocal(t, k, a, "u1", memberRecord(2, "u1", "Bob", t0))

	err := k.WithTx(ctx, func(tx *sql.Tx) error {
		return a.Update(ctx, tx, "u1", 2, memberRecord(2, "u1", "Rob", t0.Add(time.Second)))
	})
	require.NoError(t, err)

	err = k.WithTx(ctx, func(tx *sql.Tx) error {
		return a.Update(ctx, tx, "u2", 2, memberRecord(2, "u2", "Hijack", t0.Add(time.Second)))
	})
	assert.ErrorIs(t, err, ErrNotFound)

	snap, err := a.Snapshot(ctx, k.DB(), "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, "Rob", snap["first_name"])

	ids, err := a.IDs(ctx, k.DB(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)

	var removed bool
	err = k.WithTx(ctx, func(tx *sql.Tx) error {
		removed, err = a.Delete(ctx, tx, "u1", 1)
		return err
	})
	require.NoError(t, err)
	assert.True(t, removed)

	rows, err := a.List(ctx, k.DB(), "u1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0]["id"])
}

func TestRegistry(t *testing.T) {
	r := Default(logger.Discard())

	assert.Equal(t, []string{"members", "incomes", "expenses", "due_collections",
		"certificates", "staff", "events"}, r.Tables())

	a, err := r.Get("certificates")
	require.NoError(t, err)
	assert.Equal(t, "certificates", a.Table())

	_, err = r.Get("passwords")
	assert.ErrorIs(t, err, ErrUnknownTable)

	_, err = NewRegistry(NewMembers(nil), NewMembers(nil))
	assert.Error(t, err)
}
