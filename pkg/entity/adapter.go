package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wurt83ow/orgkeeper/pkg/bdkeeper"
	"github.com/wurt83ow/orgkeeper/pkg/logger"
	"github.com/wurt83ow/orgkeeper/pkg/models"
	"github.com/wurt83ow/orgkeeper/pkg/syncqueue"
)

// tableAdapter implements Adapter for any table described by a Schema.
type tableAdapter struct {
	schema  Schema
	columns []string
	log     logger.LoggerInterface
}

func newTableAdapter(s Schema, log logger.LoggerInterface) *tableAdapter {
	if log == nil {
		log = logger.Discard()
	}
	return &tableAdapter{
		schema:  s,
		columns: s.columnNames(),
		log:     log,
	}
}

func (a *tableAdapter) Table() string { return a.schema.Table }

func (a *tableAdapter) Columns() []string {
	out := make([]string, len(a.columns))
	copy(out, a.columns)
	return out
}

func (a *tableAdapter) Normalize(rec models.Record) (models.Record, error) {
	return a.schema.normalize(rec)
}

func (a *tableAdapter) UpsertFromRemote(ctx context.Context, tx bdkeeper.Querier, ownerID string, rec models.Record, remoteUpdatedAt time.Time) (bool, error) {
	if ownerID == "" {
		return false, fmt.Errorf("%w: %s: no session owner", ErrOwnershipViolation, a.Table())
	}
	id, ok := rec.ID()
	if !ok {
		return false, invalid(a.Table(), "id is missing")
	}
	if owner := rec.OwnerID(); owner != ownerID {
		a.log.Printf("rejected %s/%d: owned by %q, session is %q", a.Table(), id, owner, ownerID)
		return false, fmt.Errorf("%w: %s/%d belongs to %q", ErrOwnershipViolation, a.Table(), id, owner)
	}

	local, err := bdkeeper.GetRow(ctx, tx, a.Table(), a.columns, id)
	switch {
	case errors.Is(err, bdkeeper.ErrNoRow):
		local = nil
	case err != nil:
		return false, err
	case local.OwnerID() != ownerID:
		// same id created by another owner on this installation
		a.log.Printf("rejected %s/%d: id already used by another owner", a.Table(), id)
		return false, fmt.Errorf("%w: %s/%d is taken by another owner", ErrOwnershipViolation, a.Table(), id)
	}

	remoteUpdatedAt = remoteUpdatedAt.UTC()

	if rec.Deleted() {
		return a.applyTombstone(ctx, tx, ownerID, id, local, remoteUpdatedAt)
	}

	row, err := a.schema.normalize(rec)
	if err != nil {
		return false, err
	}
	row[models.ColID] = id
	row[models.ColOwnerID] = ownerID
	row[models.ColUpdatedAt] = models.FormatTime(remoteUpdatedAt)

	if local == nil {
		deleted, err := deletedLocally(ctx, tx, a.Table(), ownerID, id, remoteUpdatedAt)
		if err != nil {
			return false, err
		}
		if deleted {
			return false, nil
		}
		if err := bdkeeper.InsertRow(ctx, tx, a.Table(), a.columns, row); err != nil {
			return false, err
		}
		if _, err := syncqueue.DropPending(ctx, tx, a.Table(), ownerID, id); err != nil {
			return false, err
		}
		return true, nil
	}

	localUpdatedAt, err := local.UpdatedAt()
	if err != nil {
		return false, fmt.Errorf("%s/%d: %w", a.Table(), id, err)
	}
	if remoteUpdatedAt.Before(localUpdatedAt) {
		return false, nil
	}

	if _, err := bdkeeper.UpdateRow(ctx, tx, a.Table(), ownerID, id, a.columns, row); err != nil {
		return false, err
	}
	// the queued local state is older than what was just applied
	if _, err := syncqueue.DropPending(ctx, tx, a.Table(), ownerID, id); err != nil {
		return false, err
	}
	return true, nil
}

func (a *tableAdapter) applyTombstone(ctx context.Context, tx bdkeeper.Querier, ownerID string, id int64, local models.Record, remoteUpdatedAt time.Time) (bool, error) {
	if local == nil {
		return false, nil
	}
	localUpdatedAt, err := local.UpdatedAt()
	if err != nil {
		return false, fmt.Errorf("%s/%d: %w", a.Table(), id, err)
	}
	if remoteUpdatedAt.Before(localUpdatedAt) {
		return false, nil
	}
	if _, err := bdkeeper.DeleteRow(ctx, tx, a.Table(), ownerID, id); err != nil {
		return false, err
	}
	if _, err := syncqueue.DropPending(ctx, tx, a.Table(), ownerID, id); err != nil {
		return false, err
	}
	return true, nil
}

// deletedLocally reports whether a not yet acknowledged local delete of the
// entity is at least as recent as the remote record.
func deletedLocally(ctx context.Context, tx bdkeeper.Querier, table, ownerID string, id int64, remoteUpdatedAt time.Time) (bool, error) {
	entries, err := syncqueue.PendingFor(ctx, tx, table, ownerID, id)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Operation == models.OpDelete && !e.EntityUpdatedAt.Before(remoteUpdatedAt) {
			return true, nil
		}
	}
	return false, nil
}

func (a *tableAdapter) prepare(ownerID string, id int64, rec models.Record) (models.Record, error) {
	row, err := a.schema.normalize(rec)
	if err != nil {
		return nil, err
	}
	updatedAt, err := models.AsTime(rec[models.ColUpdatedAt])
	if err != nil {
		return nil, invalid(a.Table(), "updated_at: %v", err)
	}
	row[models.ColID] = id
	row[models.ColOwnerID] = ownerID
	row[models.ColUpdatedAt] = models.FormatTime(updatedAt)
	return row, nil
}

func (a *tableAdapter) Insert(ctx context.Context, tx bdkeeper.Querier, ownerID string, rec models.Record) error {
	id, ok := rec.ID()
	if !ok {
		return invalid(a.Table(), "id is missing")
	}
	row, err := a.prepare(ownerID, id, rec)
	if err != nil {
		return err
	}
	return bdkeeper.InsertRow(ctx, tx, a.Table(), a.columns, row)
}

func (a *tableAdapter) Update(ctx context.Context, tx bdkeeper.Querier, ownerID string, id int64, rec models.Record) error {
	row, err := a.prepare(ownerID, id, rec)
	if err != nil {
		return err
	}
	n, err := bdkeeper.UpdateRow(ctx, tx, a.Table(), ownerID, id, a.columns, row)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%d", ErrNotFound, a.Table(), id)
	}
	return nil
}

func (a *tableAdapter) Delete(ctx context.Context, tx bdkeeper.Querier, ownerID string, id int64) (bool, error) {
	n, err := bdkeeper.DeleteRow(ctx, tx, a.Table(), ownerID, id)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (a *tableAdapter) Get(ctx context.Context, q bdkeeper.Querier, ownerID string, id int64) (models.Record, error) {
	row, err := bdkeeper.GetRow(ctx, q, a.Table(), a.columns, id)
	if errors.Is(err, bdkeeper.ErrNoRow) || (err == nil && row.OwnerID() != ownerID) {
		return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, a.Table(), id)
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (a *tableAdapter) List(ctx context.Context, q bdkeeper.Querier, ownerID string) ([]models.Record, error) {
	return bdkeeper.SelectRows(ctx, q, a.Table(), a.columns, ownerID)
}

func (a *tableAdapter) IDs(ctx context.Context, q bdkeeper.Querier, ownerID string) ([]int64, error) {
	return bdkeeper.RowIDs(ctx, q, a.Table(), ownerID)
}

// Snapshot returns the wire form of one row, as queued for a push.
func (a *tableAdapter) Snapshot(ctx context.Context, q bdkeeper.Querier, ownerID string, id int64) (models.Record, error) {
	row, err := a.Get(ctx, q, ownerID, id)
	if err != nil {
		return nil, err
	}
	return row.Clone(), nil
}
