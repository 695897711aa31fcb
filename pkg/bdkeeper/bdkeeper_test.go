package bdkeeper

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wurt83ow/orgkeeper/pkg/logger"
	"github.com/wurt83ow/orgkeeper/pkg/models"
)

func newKeeper(t *testing.T) *Keeper {
	t.Helper()
	k, err := New(filepath.Join(t.TempDir(), "orgkeeper.db"), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })
	return k
}

var memberColumns = []string{"id", "owner_id", "updated_at", "first_name", "last_name", "status"}

func member(id int64, owner, first string) models.Record {
	return models.Record{
		"id":         id,
		"owner_id":   owner,
		"updated_at": "2024-03-01T10:00:00Z",
		"first_name": first,
		"last_name":  "Doe",
		"status":     "active",
	}
}

func TestNewRunsMigrationsIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orgkeeper.db")

	k, err := New(path, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, k.Close())

	k, err = New(path, logger.Discard())
	require.NoError(t, err)
	defer k.Close()

	for _, table := range []string{"members", "incomes", "expenses", "due_collections",
		"certificates", "staff", "events", "sync_queue", "sync_watermarks"} {
		var name string
		err := k.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestRowHelpers(t *testing.T) {
	ctx := context.Background()
	k := newKeeper(t)

	err := k.WithTx(ctx, func(tx *sql.Tx) error {
		if err := InsertRow(ctx, tx, "members", memberColumns, member(1, "u1", "Ann")); err != nil {
			return err
		}
		return InsertRow(ctx, tx, "members", memberColumns, member(2, "u2", "Bob"))
	})
	require.NoError(t, err)

	rows, err := SelectRows(ctx, k.DB(), "members", memberColumns, "u1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Ann", rows[0]["first_name"])
	assert.Equal(t, int64(1), rows[0]["id"])

	// owner filter guards updates and deletes
	n, err := UpdateRow(ctx, k.DB(), "members", "u1", 2, []string{"first_name"}, models.Record{"first_name": "Eve"})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = UpdateRow(ctx, k.DB(), "members", "u2", 2, []string{"first_name"}, models.Record{"first_name": "Eve"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	row, err := GetRow(ctx, k.DB(), "members", memberColumns, 2)
	require.NoError(t, err)
	assert.Equal(t, "Eve", row["first_name"])
	assert.Equal(t, "u2", row.OwnerID())

	n, err = DeleteRow(ctx, k.DB(), "members", "u1", 2)
	require.NoError(t, err)
	assert.Zero(t, n)

	ids, err := RowIDs(ctx, k.DB(), "members", "u2")
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)

	maxID, err := MaxID(ctx, k.DB(), "members")
	require.NoError(t, err)
	assert.Equal(t, int64(2), maxID)

	_, err = GetRow(ctx, k.DB(), "members", memberColumns, 99)
	assert.ErrorIs(t, err, ErrNoRow)
}

func TestRowHelpersRejectBadIdentifiers(t *testing.T) {
	ctx := context.Background()
	k := newKeeper(t)

	_, err := SelectRows(ctx, k.DB(), "members; DROP TABLE members", memberColumns, "u1")
	assert.Error(t, err)

	err = InsertRow(ctx, k.DB(), "members", []string{"id", "first_name) VALUES(1,'x');--"}, models.Record{})
	assert.Error(t, err)
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	k := newKeeper(t)

	boom := errors.New("boom")
	err := k.WithTx(ctx, func(tx *sql.Tx) error {
		if err := InsertRow(ctx, tx, "members", memberColumns, member(1, "u1", "Ann")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	ids, err := RowIDs(ctx, k.DB(), "members", "u1")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestWatermarks(t *testing.T) {
	ctx := context.Background()
	k := newKeeper(t)

	_, ok, err := k.Watermark(ctx, "u1", "members")
	require.NoError(t, err)
	assert.False(t, ok)

	t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, k.SetWatermark(ctx, models.Watermark{OwnerID: "u1", Table: "members", Since: t1}))

	// an older marker does not move it back
	require.NoError(t, k.SetWatermark(ctx, models.Watermark{OwnerID: "u1", Table: "members", Since: t1.Add(-time.Hour)}))

	got, ok, err := k.Watermark(ctx, "u1", "members")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(t1))

	_, ok, err = k.Watermark(ctx, "u2", "members")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, k.ResetWatermarks(ctx, "u1"))
	_, ok, err = k.Watermark(ctx, "u1", "members")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSeedMarkers(t *testing.T) {
	ctx := context.Background()
	k := newKeeper(t)

	err := k.WithTx(ctx, func(tx *sql.Tx) error {
		if err := MarkRowSeeded(ctx, tx, "u1", "members", 7); err != nil {
			return err
		}
		// marking twice is harmless
		if err := MarkRowSeeded(ctx, tx, "u1", "members", 7); err != nil {
			return err
		}
		return MarkTableSeeded(ctx, tx, "u1", "members", time.Now())
	})
	require.NoError(t, err)

	seeded, err := RowSeeded(ctx, k.DB(), "u1", "members", 7)
	require.NoError(t, err)
	assert.True(t, seeded)

	seeded, err = RowSeeded(ctx, k.DB(), "u2", "members", 7)
	require.NoError(t, err)
	assert.False(t, seeded)

	seeded, err = TableSeeded(ctx, k.DB(), "u1", "members")
	require.NoError(t, err)
	assert.True(t, seeded)

	require.NoError(t, k.ClearSeedMarkers(ctx, "u1"))
	seeded, err = TableSeeded(ctx, k.DB(), "u1", "members")
	require.NoError(t, err)
	assert.False(t, seeded)
}
