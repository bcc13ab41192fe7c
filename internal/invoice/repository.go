package invoice

import (
	"context"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

// Repository abstracts the key-addressed record store.
//
// Create fails with ErrDuplicate when the id exists. CompareAndSwap applies a
// Change only if the stored status still equals Change.From and any stored
// payment reference matches Change.PaymentReference; otherwise it returns
// ErrStatusConflict (or ErrNotFound). The due date queries order records by
// due date then id, List orders by receipt time descending and
// FindByPaymentReference orders matches by id.
type Repository interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, id uuid.UUID) (Record, error)
	List(ctx context.Context, filter ListFilter) ([]Record, error)
	ListByStatusAndDueDate(ctx context.Context, status Status, due civil.Date) ([]Record, error)
	ListByStatusAndDueRange(ctx context.Context, status Status, from, to civil.Date) ([]Record, error)
	FindByPaymentReference(ctx context.Context, reference string) ([]Record, error)
	CompareAndSwap(ctx context.Context, change Change) (Record, error)
	Events(ctx context.Context, id uuid.UUID) ([]Event, error)
}
