package memory

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/billpay/internal/invoice"
)

func dueRecord(status invoice.Status, due *civil.Date) invoice.Record {
	return invoice.Record{ID: uuid.New(), Status: status, DueDate: due, SourceReference: "src"}
}

func datePtr(d civil.Date) *civil.Date { return &d }

func TestDueDateQueries(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	today := civil.Date{Year: 2024, Month: time.January, Day: 10}

	dueToday := dueRecord(invoice.StatusReceived, datePtr(today))
	dueLater := dueRecord(invoice.StatusReceived, datePtr(today.AddDays(7)))
	tooLate := dueRecord(invoice.StatusReceived, datePtr(today.AddDays(8)))
	overdue := dueRecord(invoice.StatusReceived, datePtr(today.AddDays(-1)))
	noDue := dueRecord(invoice.StatusReceived, nil)
	paid := dueRecord(invoice.StatusPaid, datePtr(today))
	for _, rec := range []invoice.Record{dueToday, dueLater, tooLate, overdue, noDue, paid} {
		require.NoError(t, repo.Create(ctx, rec))
	}

	exact, err := repo.ListByStatusAndDueDate(ctx, invoice.StatusReceived, today)
	require.NoError(t, err)
	require.Len(t, exact, 1)
	assert.Equal(t, dueToday.ID, exact[0].ID)

	window, err := repo.ListByStatusAndDueRange(ctx, invoice.StatusReceived, today, today.AddDays(7))
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, dueToday.ID, window[0].ID)
	assert.Equal(t, dueLater.ID, window[1].ID)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	rec := dueRecord(invoice.StatusReceived, nil)
	require.NoError(t, repo.Create(ctx, rec))
	require.ErrorIs(t, repo.Create(ctx, rec), invoice.ErrDuplicate)
}

func TestCompareAndSwapGuards(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	rec := dueRecord(invoice.StatusReceived, nil)
	require.NoError(t, repo.Create(ctx, rec))

	_, err := repo.CompareAndSwap(ctx, invoice.Change{ID: uuid.New(), From: invoice.StatusReceived, To: invoice.StatusPaymentFailed})
	require.ErrorIs(t, err, invoice.ErrNotFound)

	_, err = repo.CompareAndSwap(ctx, invoice.Change{ID: rec.ID, From: invoice.StatusPaymentInitiated, To: invoice.StatusPaid})
	require.ErrorIs(t, err, invoice.ErrStatusConflict)

	at := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	updated, err := repo.CompareAndSwap(ctx, invoice.Change{ID: rec.ID, From: invoice.StatusReceived, To: invoice.StatusPaymentInitiated, PaymentReference: "pay-1", At: at})
	require.NoError(t, err)
	assert.Equal(t, "pay-1", updated.PaymentReference)
	assert.Equal(t, at, updated.LastUpdated)

	found, err := repo.FindByPaymentReference(ctx, "pay-1")
	require.NoError(t, err)
	require.Len(t, found, 1)

	none, err := repo.FindByPaymentReference(ctx, "pay-unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFindByPaymentReferenceOrdersByID(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	a := invoice.Record{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), Status: invoice.StatusPaymentInitiated, PaymentReference: "dup"}
	b := invoice.Record{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), Status: invoice.StatusPaymentInitiated, PaymentReference: "dup"}
	repo.Put(a)
	repo.Put(b)

	found, err := repo.FindByPaymentReference(ctx, "dup")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, b.ID, found[0].ID)
}
