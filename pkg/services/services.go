// Package services is the data access layer used by the console and the
// CLI. Every write stores the entity and queues its mutation in one local
// transaction, then nudges the orchestrator.
package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wurt83ow/orgkeeper/pkg/bdkeeper"
	"github.com/wurt83ow/orgkeeper/pkg/entity"
	"github.com/wurt83ow/orgkeeper/pkg/logger"
	"github.com/wurt83ow/orgkeeper/pkg/models"
	"github.com/wurt83ow/orgkeeper/pkg/session"
	"github.com/wurt83ow/orgkeeper/pkg/syncqueue"
)

// Trigger starts a background sync cycle if none is running.
type Trigger interface {
	TriggerSync() bool
}

type Service struct {
	keeper   *bdkeeper.Keeper
	registry *entity.Registry
	queue    *syncqueue.Queue
	session  session.Provider
	trigger  Trigger
	log      logger.LoggerInterface

	// Now stamps updated_at; tests replace it.
	Now func() time.Time
}

// NewServices wires the service. trigger may be nil when writes should only
// be queued.
func NewServices(keeper *bdkeeper.Keeper, registry *entity.Registry, queue *syncqueue.Queue,
	provider session.Provider, trigger Trigger, log logger.LoggerInterface) *Service {
	if log == nil {
		log = logger.Discard()
	}
	return &Service{
		keeper:   keeper,
		registry: registry,
		queue:    queue,
		session:  provider,
		trigger:  trigger,
		log:      log,
		Now:      time.Now,
	}
}

func (s *Service) owner(ctx context.Context) (string, error) {
	id, err := s.session.Identity(ctx)
	if err != nil {
		return "", err
	}
	return id.OwnerID, nil
}

func (s *Service) nudge() {
	if s.trigger != nil {
		s.trigger.TriggerSync()
	}
}

// nextID returns an id unused locally and in the queue for table.
func nextID(ctx context.Context, tx bdkeeper.Querier, table string) (int64, error) {
	rowMax, err := bdkeeper.MaxID(ctx, tx, table)
	if err != nil {
		return 0, err
	}
	queued, err := syncqueue.MaxEntityID(ctx, tx, table)
	if err != nil {
		return 0, err
	}
	return max(rowMax, queued) + 1, nil
}

// Create stores a new row for the logged-in owner and returns it as stored.
// An id in rec is kept; otherwise the next free id is allocated.
func (s *Service) Create(ctx context.Context, table string, rec models.Record) (models.Record, error) {
	ownerID, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	adapter, err := s.registry.Get(table)
	if err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	var stored models.Record
	err = s.keeper.WithTx(ctx, func(tx *sql.Tx) error {
		row := rec.Clone()
		id, ok := row.ID()
		if !ok {
			if id, err = nextID(ctx, tx, table); err != nil {
				return err
			}
		}
		row[models.ColID] = id
		row[models.ColOwnerID] = ownerID
		row[models.ColUpdatedAt] = models.FormatTime(now)

		if err := adapter.Insert(ctx, tx, ownerID, row); err != nil {
			return err
		}
		if stored, err = adapter.Snapshot(ctx, tx, ownerID, id); err != nil {
			return err
		}
		_, _, err := s.queue.Enqueue(ctx, tx, syncqueue.Mutation{
			Table:     table,
			EntityID:  &id,
			OwnerID:   ownerID,
			Operation: models.OpInsert,
			Payload:   stored,
			UpdatedAt: now,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", table, err)
	}

	s.nudge()
	return stored, nil
}

// Update overlays changes on the stored row and returns the result. The id
// and owner of the row cannot be changed.
func (s *Service) Update(ctx context.Context, table string, id int64, changes models.Record) (models.Record, error) {
	ownerID, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	adapter, err := s.registry.Get(table)
	if err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	var stored models.Record
	err = s.keeper.WithTx(ctx, func(tx *sql.Tx) error {
		row, err := adapter.Get(ctx, tx, ownerID, id)
		if err != nil {
			return err
		}
		for k, v := range changes {
			switch k {
			case models.ColID, models.ColOwnerID, models.ColUpdatedAt:
				continue
			}
			row[k] = v
		}
		row[models.ColUpdatedAt] = models.FormatTime(now)

		if err := adapter.Update(ctx, tx, ownerID, id, row); err != nil {
			return err
		}
		if stored, err = adapter.Snapshot(ctx, tx, ownerID, id); err != nil {
			return err
		}
		_, _, err = s.queue.Enqueue(ctx, tx, syncqueue.Mutation{
			Table:     table,
			EntityID:  &id,
			OwnerID:   ownerID,
			Operation: models.OpUpdate,
			Payload:   stored,
			UpdatedAt: now,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update %s/%d: %w", table, id, err)
	}

	s.nudge()
	return stored, nil
}

// Delete removes the row and queues its deletion.
func (s *Service) Delete(ctx context.Context, table string, id int64) error {
	ownerID, err := s.owner(ctx)
	if err != nil {
		return err
	}
	adapter, err := s.registry.Get(table)
	if err != nil {
		return err
	}

	now := s.Now().UTC()
	err = s.keeper.WithTx(ctx, func(tx *sql.Tx) error {
		deleted, err := adapter.Delete(ctx, tx, ownerID, id)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("%w: %s/%d", entity.ErrNotFound, table, id)
		}
		_, _, err = s.queue.Enqueue(ctx, tx, syncqueue.Mutation{
			Table:     table,
			EntityID:  &id,
			OwnerID:   ownerID,
			Operation: models.OpDelete,
			Payload: models.Record{
				models.ColID:        id,
				models.ColOwnerID:   ownerID,
				models.ColUpdatedAt: models.FormatTime(now),
			},
			UpdatedAt: now,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %s/%d: %w", table, id, err)
	}

	s.nudge()
	return nil
}

// Get returns one row of the logged-in owner.
func (s *Service) Get(ctx context.Context, table string, id int64) (models.Record, error) {
	ownerID, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	adapter, err := s.registry.Get(table)
	if err != nil {
		return nil, err
	}
	return adapter.Get(ctx, s.keeper.DB(), ownerID, id)
}

// List returns every row of table owned by the logged-in owner.
func (s *Service) List(ctx context.Context, table string) ([]models.Record, error) {
	ownerID, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	adapter, err := s.registry.Get(table)
	if err != nil {
		return nil, err
	}
	return adapter.List(ctx, s.keeper.DB(), ownerID)
}

// Tables lists the tables the service can write.
func (s *Service) Tables() []string {
	return s.registry.Tables()
}
