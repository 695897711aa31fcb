// Package entity holds the per-table adapters that move rows between the
// local store and the wire form, and decide whether a remote record may
// overwrite a local one.
package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wurt83ow/orgkeeper/pkg/bdkeeper"
	"github.com/wurt83ow/orgkeeper/pkg/logger"
	"github.com/wurt83ow/orgkeeper/pkg/models"
)

var (
	// ErrOwnershipViolation marks a record that belongs to another owner, or
	// whose id is already used locally by another owner.
	ErrOwnershipViolation = errors.New("ownership violation")
	// ErrUnknownTable is returned by the registry for unregistered tables.
	ErrUnknownTable = errors.New("unknown table")
	// ErrInvalidRecord marks a record failing the table's rules.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrNotFound is returned when the owner has no row with the given id.
	ErrNotFound = errors.New("entity not found")
)

// Adapter is implemented once per synchronized table.
type Adapter interface {
	Table() string
	// Columns lists every stored column, id first.
	Columns() []string

	// UpsertFromRemote applies a record fetched from the backend inside tx.
	// It returns false when the local row is newer and was kept. It never
	// writes to the mutation queue.
	UpsertFromRemote(ctx context.Context, tx bdkeeper.Querier, ownerID string, rec models.Record, remoteUpdatedAt time.Time) (bool, error)

	// Normalize validates rec and coerces its values to their stored types.
	Normalize(rec models.Record) (models.Record, error)

	Insert(ctx context.Context, tx bdkeeper.Querier, ownerID string, rec models.Record) error
	Update(ctx context.Context, tx bdkeeper.Querier, ownerID string, id int64, rec models.Record) error
	Delete(ctx context.Context, tx bdkeeper.Querier, ownerID string, id int64) (bool, error)
	Get(ctx context.Context, q bdkeeper.Querier, ownerID string, id int64) (models.Record, error)
	Snapshot(ctx context.Context, q bdkeeper.Querier, ownerID string, id int64) (models.Record, error)
	List(ctx context.Context, q bdkeeper.Querier, ownerID string) ([]models.Record, error)
	IDs(ctx context.Context, q bdkeeper.Querier, ownerID string) ([]int64, error)
}

// Registry maps table names to adapters. It is built once at startup and
// read-only afterwards.
type Registry struct {
	adapters map[string]Adapter
	order    []string
}

// NewRegistry registers adapters in the given order, which is also the pull
// order: parents before the rows that reference them.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := r.adapters[a.Table()]; dup {
			return nil, fmt.Errorf("adapter for %s registered twice", a.Table())
		}
		r.adapters[a.Table()] = a
		r.order = append(r.order, a.Table())
	}
	return r, nil
}

// Default returns the registry of every table the application stores.
func Default(log logger.LoggerInterface) *Registry {
	r, err := NewRegistry(
		NewMembers(log),
		NewIncomes(log),
		NewExpenses(log),
		NewDueCollections(log),
		NewCertificates(log),
		NewStaff(log),
		NewEvents(log),
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Get resolves the adapter of table.
func (r *Registry) Get(table string) (Adapter, error) {
	a, ok := r.adapters[table]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return a, nil
}

// Tables lists the registered tables in registration order.
func (r *Registry) Tables() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
