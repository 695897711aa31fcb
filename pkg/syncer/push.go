// Package syncer moves changes between the local store and the backend:
// Pusher drains the mutation queue, Puller applies remote rows locally.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/wurt83ow/orgkeeper/pkg/backend"
	"github.com/wurt83ow/orgkeeper/pkg/logger"
	"github.com/wurt83ow/orgkeeper/pkg/models"
	"github.com/wurt83ow/orgkeeper/pkg/syncqueue"
)

// Pusher sends queued local changes to the backend. It never touches entity
// tables.
type Pusher struct {
	queue   *syncqueue.Queue
	backend backend.Backend
	log     logger.LoggerInterface
	workers int
}

// NewPusher returns a Pusher pushing up to workers tables at once.
func NewPusher(q *syncqueue.Queue, b backend.Backend, log logger.LoggerInterface, workers int) *Pusher {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Pusher{
		queue:   q,
		backend: b,
		log:     log,
		workers: workers,
	}
}

// PushAll drains ownerID's queue once. A failing entry is marked failed and
// the pass moves on; the returned error aggregates those failures.
func (p *Pusher) PushAll(ctx context.Context, ownerID string) (PushReport, error) {
	var (
		mu     sync.Mutex
		report PushReport
		errs   *multierror.Error
	)

	cursor := p.queue.Drain(ownerID)
	for {
		if err := ctx.Err(); err != nil {
			return report, multierror.Append(errs, err).ErrorOrNil()
		}
		page, err := cursor.Next(ctx)
		if err != nil {
			return report, multierror.Append(errs, fmt.Errorf("drain queue: %w", err)).ErrorOrNil()
		}
		if len(page) == 0 {
			break
		}

		// entries of one table go out in queue order; tables run in parallel
		g := new(errgroup.Group)
		g.SetLimit(p.workers)
		for _, group := range groupByTable(page) {
			g.Go(func() error {
				for i, entry := range group {
					if ctx.Err() != nil {
						if err := p.queue.Release(context.WithoutCancel(ctx), group[i:]); err != nil {
							mu.Lock()
							errs = multierror.Append(errs, err)
							mu.Unlock()
						}
						return nil
					}
					outcome, err := p.pushEntry(ctx, entry)

					mu.Lock()
					switch outcome {
					case outcomeDone:
						report.Pushed++
					case outcomeRetry:
						report.Retrying++
					case outcomeGaveUp:
						report.GaveUp++
					case outcomeSuperseded:
						report.Superseded++
					}
					if err != nil {
						errs = multierror.Append(errs, err)
					}
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if report.Pushed+report.Retrying+report.GaveUp+report.Superseded > 0 {
		p.log.Printf("push %s: %s", ownerID, report)
	}
	return report, errs.ErrorOrNil()
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeGaveUp
	outcomeSuperseded
)

func (p *Pusher) pushEntry(ctx context.Context, entry models.QueuedMutation) (outcome, error) {
	sendErr := p.send(ctx, entry)
	if sendErr == nil {
		if err := p.queue.MarkDone(ctx, entry); err != nil {
			// left IN_FLIGHT; Recover re-queues it and the replay is idempotent
			return outcomeDone, err
		}
		return outcomeDone, nil
	}

	failed, err := p.queue.MarkFailed(ctx, entry, sendErr)
	if err != nil {
		return outcomeRetry, fmt.Errorf("%s: %w (mark failed: %v)", entry.Key(), sendErr, err)
	}
	p.log.Printf("push %s %s failed (attempt %d): %v", entry.Operation, entry.Key(), failed.Attempts, sendErr)

	switch failed.Status {
	case models.StatusFailed:
		return outcomeGaveUp, fmt.Errorf("%s: %w", entry.Key(), sendErr)
	case models.StatusDone:
		return outcomeSuperseded, nil
	}
	return outcomeRetry, fmt.Errorf("%s: %w", entry.Key(), sendErr)
}

// send performs the remote side of one entry. Every operation is safe to
// replay: inserts upsert by id, updates overwrite, deletes of missing rows
// succeed.
func (p *Pusher) send(ctx context.Context, entry models.QueuedMutation) error {
	rec, err := entry.Record()
	if err != nil {
		return err
	}
	rec[models.ColOwnerID] = entry.OwnerID
	if entry.EntityID != nil {
		rec[models.ColID] = *entry.EntityID
	}

	switch entry.Operation {
	case models.OpInsert:
		return p.backend.Insert(ctx, entry.Table, rec)
	case models.OpUpdate:
		err := p.backend.Update(ctx, entry.Table, *entry.EntityID, rec)
		if errors.Is(err, backend.ErrNotFound) {
			return p.backend.Insert(ctx, entry.Table, rec)
		}
		return err
	case models.OpDelete:
		return p.backend.Delete(ctx, entry.Table, entry.OwnerID, *entry.EntityID)
	}
	return fmt.Errorf("unknown operation %q", entry.Operation)
}

func groupByTable(page []models.QueuedMutation) [][]models.QueuedMutation {
	index := make(map[string]int)
	var groups [][]models.QueuedMutation
	for _, e := range page {
		i, ok := index[e.Table]
		if !ok {
			i = len(groups)
			index[e.Table] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}
	return groups
}
