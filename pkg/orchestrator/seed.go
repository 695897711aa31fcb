package orchestrator

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wurt83ow/orgkeeper/pkg/bdkeeper"
	"github.com/wurt83ow/orgkeeper/pkg/models"
	"github.com/wurt83ow/orgkeeper/pkg/syncqueue"
)

// PerformInitialSync queues a synthetic INSERT for every local row of
// ownerID that has never been seeded, so data created before sync existed
// reaches the backend. Each row is seeded in its own transaction and a
// table is flagged once all of its rows are done; running it again queues
// nothing new. It returns the number of entries written.
func (o *Orchestrator) PerformInitialSync(ctx context.Context, ownerID string) (int, error) {
	if ownerID == "" {
		return 0, fmt.Errorf("initial sync: empty owner")
	}

	total := 0
	for _, table := range o.c.Registry.Tables() {
		n, err := o.seedTable(ctx, table, ownerID)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		o.log.Printf("initial sync %s: queued %d rows", ownerID, total)
	}
	return total, nil
}

func (o *Orchestrator) seedTable(ctx context.Context, table, ownerID string) (int, error) {
	done, err := bdkeeper.TableSeeded(ctx, o.c.Keeper.DB(), ownerID, table)
	if err != nil {
		return 0, fmt.Errorf("seed %s: %w", table, err)
	}
	if done {
		return 0, nil
	}

	adapter, err := o.c.Registry.Get(table)
	if err != nil {
		return 0, err
	}
	ids, err := adapter.IDs(ctx, o.c.Keeper.DB(), ownerID)
	if err != nil {
		return 0, fmt.Errorf("seed %s: list ids: %w", table, err)
	}

	queued := 0
	for _, id := range ids {
		err := o.c.Keeper.WithTx(ctx, func(tx *sql.Tx) error {
			seeded, err := bdkeeper.RowSeeded(ctx, tx, ownerID, table, id)
			if err != nil || seeded {
				return err
			}

			snap, err := adapter.Snapshot(ctx, tx, ownerID, id)
			if err != nil {
				return err
			}
			updatedAt, err := snap.UpdatedAt()
			if err != nil {
				return err
			}

			_, written, err := o.c.Queue.Enqueue(ctx, tx, syncqueue.Mutation{
				Table:     table,
				EntityID:  &id,
				OwnerID:   ownerID,
				Operation: models.OpInsert,
				Payload:   snap,
				UpdatedAt: updatedAt,
			})
			if err != nil {
				return err
			}
			if written {
				queued++
			}
			return bdkeeper.MarkRowSeeded(ctx, tx, ownerID, table, id)
		})
		if err != nil {
			return queued, fmt.Errorf("seed %s/%d: %w", table, id, err)
		}
	}

	if err := bdkeeper.MarkTableSeeded(ctx, o.c.Keeper.DB(), ownerID, table, o.Now().UTC()); err != nil {
		return queued, fmt.Errorf("seed %s: %w", table, err)
	}
	return queued, nil
}
