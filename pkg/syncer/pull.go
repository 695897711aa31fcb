package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/wurt83ow/orgkeeper/pkg/backend"
	"github.com/wurt83ow/orgkeeper/pkg/bdkeeper"
	"github.com/wurt83ow/orgkeeper/pkg/entity"
	"github.com/wurt83ow/orgkeeper/pkg/logger"
	"github.com/wurt83ow/orgkeeper/pkg/models"
)

// Puller fetches remote rows and applies them through the entity adapters.
type Puller struct {
	keeper   *bdkeeper.Keeper
	registry *entity.Registry
	backend  backend.Backend
	log      logger.LoggerInterface

	workers     int
	incremental bool
	lookback    time.Duration
}

type PullerOptions struct {
	// Workers bounds the number of tables pulled at once.
	Workers int
	// Incremental fetches only rows stamped at or after the table's
	// watermark minus Lookback. Stamps come from the writing device, so a
	// device that was offline longer than Lookback can push rows another
	// device never fetches; full pull is the safe default.
	Incremental bool
	// Lookback widens every incremental fetch.
	Lookback time.Duration
}

func NewPuller(k *bdkeeper.Keeper, r *entity.Registry, b backend.Backend, log logger.LoggerInterface, opts PullerOptions) *Puller {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Puller{
		keeper:      k,
		registry:    r,
		backend:     b,
		log:         log,
		workers:     opts.Workers,
		incremental: opts.Incremental,
		lookback:    opts.Lookback,
	}
}

// PullAll pulls every registered table for ownerID. A failing table does not
// stop the others; the returned error aggregates the failures.
func (p *Puller) PullAll(ctx context.Context, ownerID string) (PullReport, error) {
	tables := p.registry.Tables()
	reports := make([]TableReport, len(tables))

	g := new(errgroup.Group)
	g.SetLimit(p.workers)
	for i, table := range tables {
		g.Go(func() error {
			rep, err := p.PullTable(ctx, table, ownerID)
			if err != nil && rep.Err == nil {
				rep.Err = err
			}
			reports[i] = rep
			return nil
		})
	}
	_ = g.Wait()

	var errs *multierror.Error
	for _, rep := range reports {
		if rep.Err != nil {
			errs = multierror.Append(errs, rep.Err)
		}
	}
	report := PullReport{Tables: reports}
	p.log.Printf("pull %s: %s", ownerID, report)
	return report, errs.ErrorOrNil()
}

// PullTable fetches one table and applies each record in its own short
// transaction. The watermark advances only when every record was either
// applied, kept for being older, or refused for its content; a local write
// failure leaves it where it was.
func (p *Puller) PullTable(ctx context.Context, table, ownerID string) (TableReport, error) {
	rep := TableReport{Table: table}

	adapter, err := p.registry.Get(table)
	if err != nil {
		rep.Err = err
		return rep, err
	}

	var mark, since *time.Time
	if p.incremental {
		w, ok, err := p.keeper.Watermark(ctx, ownerID, table)
		if err != nil {
			rep.Err = err
			return rep, err
		}
		if ok {
			from := w.Add(-p.lookback)
			mark, since = &w, &from
		}
	}

	// no transaction is open while the network call runs
	records, err := p.backend.Fetch(ctx, table, ownerID, since)
	if err != nil {
		rep.Err = fmt.Errorf("pull %s: %w", table, err)
		return rep, rep.Err
	}
	rep.Fetched = len(records)

	var (
		errs    *multierror.Error
		highest time.Time
		blocked bool
	)
	if mark != nil {
		highest = *mark
	}

	for _, rec := range records {
		id, _ := rec.ID()
		updatedAt, err := rec.UpdatedAt()
		if err != nil {
			rep.Invalid++
			errs = multierror.Append(errs, fmt.Errorf("%s/%d: %w: %v", table, id, entity.ErrInvalidRecord, err))
			continue
		}
		if updatedAt.After(highest) {
			highest = updatedAt
		}

		var applied bool
		err = p.keeper.WithTx(ctx, func(tx *sql.Tx) error {
			var err error
			applied, err = adapter.UpsertFromRemote(ctx, tx, ownerID, rec, updatedAt)
			return err
		})
		switch {
		case err == nil && applied:
			rep.Applied++
		case err == nil:
			rep.Skipped++
		case errors.Is(err, entity.ErrOwnershipViolation):
			rep.Rejected++
			errs = multierror.Append(errs, err)
		case errors.Is(err, entity.ErrInvalidRecord):
			rep.Invalid++
			errs = multierror.Append(errs, err)
		default:
			rep.Failed++
			blocked = true
			errs = multierror.Append(errs, fmt.Errorf("apply %s/%d: %w", table, id, err))
		}
	}

	if !blocked && len(records) > 0 && (mark == nil || highest.After(*mark)) {
		w := models.Watermark{OwnerID: ownerID, Table: table, Since: highest}
		if err := p.keeper.SetWatermark(ctx, w); err != nil {
			errs = multierror.Append(errs, err)
		} else {
			rep.Watermark = highest
		}
	}

	rep.Err = errs.ErrorOrNil()
	if rep.Rejected+rep.Invalid+rep.Failed > 0 {
		p.log.Printf("pull %s: %d rejected, %d invalid, %d failed: %v", table, rep.Rejected, rep.Invalid, rep.Failed, rep.Err)
	}
	return rep, rep.Err
}
