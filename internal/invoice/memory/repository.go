// Package memory provides an in-process invoice.Repository used by tests and
// single-node development runs.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/odyssey-erp/billpay/internal/invoice"
)

// Repository keeps records in a map guarded by a mutex.
type Repository struct {
	mu      sync.RWMutex
	records map[uuid.UUID]invoice.Record
	refs    map[string]uuid.UUID
	events  map[uuid.UUID][]invoice.Event
	nextEv  int64
}

// NewRepository returns an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		records: make(map[uuid.UUID]invoice.Record),
		refs:    make(map[string]uuid.UUID),
		events:  make(map[uuid.UUID][]invoice.Event),
	}
}

// Put stores rec as-is, bypassing the state machine. Intended for fixtures.
func (r *Repository) Put(rec invoice.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = rec
	if rec.PaymentReference != "" {
		r.refs[rec.PaymentReference] = rec.ID
	}
}

func (r *Repository) Create(ctx context.Context, rec invoice.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ID]; ok {
		return invoice.ErrDuplicate
	}
	r.records[rec.ID] = rec
	return nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (invoice.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return invoice.Record{}, invoice.ErrNotFound
	}
	return rec, nil
}

func (r *Repository) List(ctx context.Context, filter invoice.ListFilter) ([]invoice.Record, error) {
	r.mu.RLock()
	out := make([]invoice.Record, 0, len(r.records))
	for _, rec := range r.records {
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return lessID(out[i].ID, out[j].ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *Repository) ListByStatusAndDueDate(ctx context.Context, status invoice.Status, due civil.Date) ([]invoice.Record, error) {
	return r.ListByStatusAndDueRange(ctx, status, due, due)
}

func (r *Repository) ListByStatusAndDueRange(ctx context.Context, status invoice.Status, from, to civil.Date) ([]invoice.Record, error) {
	r.mu.RLock()
	var out []invoice.Record
	for _, rec := range r.records {
		if rec.Status != status || rec.DueDate == nil {
			continue
		}
		if rec.DueDate.Before(from) || rec.DueDate.After(to) {
			continue
		}
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sortByDue(out)
	return out, nil
}

func (r *Repository) FindByPaymentReference(ctx context.Context, reference string) ([]invoice.Record, error) {
	r.mu.RLock()
	var out []invoice.Record
	for _, rec := range r.records {
		if reference != "" && rec.PaymentReference == reference {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out, nil
}

func (r *Repository) CompareAndSwap(ctx context.Context, change invoice.Change) (invoice.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[change.ID]
	if !ok {
		return invoice.Record{}, invoice.ErrNotFound
	}
	if rec.Status != change.From {
		return invoice.Record{}, invoice.ErrStatusConflict
	}
	if rec.PaymentReference != "" && rec.PaymentReference != change.PaymentReference {
		return invoice.Record{}, invoice.ErrStatusConflict
	}
	if change.PaymentReference != "" && change.PaymentReference != rec.PaymentReference {
		if owner, taken := r.refs[change.PaymentReference]; taken && owner != rec.ID {
			return invoice.Record{}, invoice.ErrDuplicateReference
		}
		r.refs[change.PaymentReference] = rec.ID
	}
	updated := change.Apply(rec)
	r.records[rec.ID] = updated
	r.nextEv++
	ev := change.Event()
	ev.ID = r.nextEv
	r.events[rec.ID] = append(r.events[rec.ID], ev)
	return updated, nil
}

func (r *Repository) Events(ctx context.Context, id uuid.UUID) ([]invoice.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := r.events[id]
	out := make([]invoice.Event, len(events))
	copy(out, events)
	return out, nil
}

func sortByDue(recs []invoice.Record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := *recs[i].DueDate, *recs[j].DueDate
		if a != b {
			return a.Before(b)
		}
		return lessID(recs[i].ID, recs[j].ID)
	})
}

func lessID(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
