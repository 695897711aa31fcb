package services

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wurt83ow/orgkeeper/pkg/bdkeeper"
	"github.com/wurt83ow/orgkeeper/pkg/entity"
	"github.com/wurt83ow/orgkeeper/pkg/logger"
	"github.com/wurt83ow/orgkeeper/pkg/models"
	"github.com/wurt83ow/orgkeeper/pkg/session"
	"github.com/wurt83ow/orgkeeper/pkg/syncqueue"
)

type countingTrigger struct{ n atomic.Int32 }

func (c *countingTrigger) TriggerSync() bool {
	c.n.Add(1)
	return true
}

func newService(t *testing.T, owner string) (*Service, *syncqueue.Queue, *countingTrigger) {
	t.Helper()
	k, err := bdkeeper.New(filepath.Join(t.TempDir(), "svc.db"), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })

	q := syncqueue.New(k, syncqueue.DefaultConfig(), logger.Discard())
	trig := &countingTrigger{}
	svc := NewServices(k, entity.Default(logger.Discard()), q, session.NewStatic(owner, "tok"), trig, logger.Discard())
	svc.Now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	return svc, q, trig
}

func member(first string) models.Record {
	return models.Record{"first_name": first, "last_name": "Doe"}
}

func TestCreateStoresAndQueues(t *testing.T) {
	ctx := context.Background()
	svc, q, trig := newService(t, "u1")

	rec, err := svc.Create(ctx, entity.TableMembers, member("Ann"))
	require.NoError(t, err)

	id, ok := rec.ID()
	require.True(t, ok)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, "u1", rec.OwnerID())
	assert.Equal(t, "active", rec["status"])

	pending, err := q.Entries(ctx, "u1", models.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OpInsert, pending[0].Operation)
	assert.Equal(t, int64(1), *pending[0].EntityID)
	assert.Equal(t, int32(1), trig.n.Load())

	rec2, err := svc.Create(ctx, entity.TableMembers, member("Bob"))
	require.NoError(t, err)
	id2, _ := rec2.ID()
	assert.Equal(t, int64(2), id2)
}

func TestCreateKeepsGivenID(t *testing.T) {
	svc, _, _ := newService(t, "u1")

	rec := member("Eve")
	rec["id"] = int64(7)
	stored, err := svc.Create(context.Background(), entity.TableMembers, rec)
	require.NoError(t, err)
	id, _ := stored.ID()
	assert.Equal(t, int64(7), id)
}

func TestInvalidWriteQueuesNothing(t *testing.T) {
	ctx := context.Background()
	svc, q, trig := newService(t, "u1")

	_, err := svc.Create(ctx, entity.TableMembers, models.Record{"first_name": "NoLast"})
	assert.ErrorIs(t, err, entity.ErrInvalidRecord)

	stats, err := q.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, trig.n.Load())
}

func TestUpdateThenDeleteCoalesces(t *testing.T) {
	ctx := context.Background()
	svc, q, _ := newService(t, "u1")

	rec, err := svc.Create(ctx, entity.TableMembers, member("Ann"))
	require.NoError(t, err)
	id, _ := rec.ID()

	updated, err := svc.Update(ctx, entity.TableMembers, id, models.Record{"first_name": "Anna", "owner_id": "u2"})
	require.NoError(t, err)
	assert.Equal(t, "Anna", updated["first_name"])
	assert.Equal(t, "u1", updated.OwnerID())

	pending, err := q.Entries(ctx, "u1", models.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OpInsert, pending[0].Operation)

	require.NoError(t, svc.Delete(ctx, entity.TableMembers, id))
	pending, err = q.Entries(ctx, "u1", models.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OpDelete, pending[0].Operation)

	_, err = svc.Get(ctx, entity.TableMembers, id)
	assert.ErrorIs(t, err, entity.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, entity.TableMembers, id), entity.ErrNotFound)
}

func TestOwnerScoping(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, "u1")

	rec, err := svc.Create(ctx, entity.TableMembers, member("Ann"))
	require.NoError(t, err)
	id, _ := rec.ID()

	other := *svc
	other.session = session.NewStatic("u2", "tok2")

	_, err = other.Get(ctx, entity.TableMembers, id)
	assert.ErrorIs(t, err, entity.ErrNotFound)
	rows, err := other.List(ctx, entity.TableMembers)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = other.Update(ctx, entity.TableMembers, id, models.Record{"first_name": "X"})
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestNoIdentity(t *testing.T) {
	svc, _, _ := newService(t, "")
	_, err := svc.List(context.Background(), entity.TableMembers)
	assert.ErrorIs(t, err, session.ErrNoIdentity)
}

func TestUnknownTable(t *testing.T) {
	svc, _, _ := newService(t, "u1")
	_, err := svc.Create(context.Background(), "passwords", member("Ann"))
	assert.ErrorIs(t, err, entity.ErrUnknownTable)
}
