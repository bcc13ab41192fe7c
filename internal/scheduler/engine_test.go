package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/odyssey-erp/billpay/internal/gateway"
	"github.com/odyssey-erp/billpay/internal/invoice"
	"github.com/odyssey-erp/billpay/internal/invoice/memory"
	jobmetrics "github.com/odyssey-erp/billpay/internal/jobs"
	"github.com/odyssey-erp/billpay/internal/scheduler"
	"github.com/odyssey-erp/billpay/internal/shared"
)

var cycleDay = civil.Date{Year: 2024, Month: time.January, Day: 10}

func fixedClock() time.Time {
	return time.Date(2024, time.January, 10, 6, 0, 0, 0, time.UTC)
}

func putReceived(t *testing.T, repo *memory.Repository, due *civil.Date, amount string) invoice.Record {
	t.Helper()
	rec := invoice.Record{
		ID:              uuid.New(),
		Status:          invoice.StatusReceived,
		VendorName:      "Acme GmbH",
		ReferenceID:     "INV-" + uuid.NewString()[:8],
		DueDate:         due,
		Currency:        "EUR",
		SourceReference: "s3://invoices/acme.eml",
		ReceivedAt:      fixedClock().Add(-48 * time.Hour),
		LastUpdated:     fixedClock().Add(-48 * time.Hour),
	}
	if amount != "" {
		rec.Amount = decimal.NewNullDecimal(decimal.RequireFromString(amount))
	}
	repo.Put(rec)
	return rec
}

func dueIn(days int) *civil.Date {
	d := cycleDay.AddDays(days)
	return &d
}

func newEngine(repo invoice.Repository, gw gateway.Gateway, window int, opts ...scheduler.Option) *scheduler.Engine {
	cfg := scheduler.DefaultConfig()
	cfg.WindowDays = window
	opts = append([]scheduler.Option{scheduler.WithClock(fixedClock)}, opts...)
	return scheduler.NewEngine(repo, nil, gw, cfg, nil, opts...)
}

func mustGet(t *testing.T, repo invoice.Repository, id uuid.UUID) invoice.Record {
	t.Helper()
	rec, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestRunCycleExampleScenario(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := gateway.NewMockGateway(ctrl)
	repo := memory.NewRepository()
	inv := putReceived(t, repo, dueIn(0), "453.53")

	gw.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req gateway.PaymentRequest) (gateway.Payment, error) {
			assert.Equal(t, inv.ID, req.InvoiceID)
			assert.Equal(t, inv.ID.String()+":0", req.IdempotencyKey)
			assert.True(t, req.Amount.Equal(decimal.RequireFromString("453.53")))
			assert.Equal(t, "EUR", req.Currency)
			assert.Equal(t, "2024-01-10", req.DueDate)
			return gateway.Payment{Reference: "pay-999", Status: "succeeded"}, nil
		}).Times(1)

	report, err := newEngine(repo, gw, 7).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, cycleDay, report.Today)
	assert.Equal(t, cycleDay.AddDays(7), report.WindowEnd)
	assert.Equal(t, 1, report.Urgent.Selected)
	assert.Equal(t, 1, report.Urgent.Succeeded)
	assert.Equal(t, 0, report.Batch.Selected)
	assert.Equal(t, 0, report.Failed())

	got := mustGet(t, repo, inv.ID)
	assert.Equal(t, invoice.StatusPaymentInitiated, got.Status)
	assert.Equal(t, "pay-999", got.PaymentReference)
	assert.Equal(t, fixedClock(), got.LastUpdated)
}

func TestRunCycleNeverAttemptsRecordTwice(t *testing.T) {
	for window := 0; window <= 10; window++ {
		t.Run(fmt.Sprintf("window_%d", window), func(t *testing.T) {
			ctrl := gomock.NewController(t)
			gw := gateway.NewMockGateway(ctrl)
			repo := memory.NewRepository()
			for offset := -2; offset <= 12; offset++ {
				putReceived(t, repo, dueIn(offset), "10.00")
			}
			putReceived(t, repo, nil, "10.00")

			var mu sync.Mutex
			calls := map[uuid.UUID]int{}
			gw.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).DoAndReturn(
				func(_ context.Context, req gateway.PaymentRequest) (gateway.Payment, error) {
					mu.Lock()
					defer mu.Unlock()
					calls[req.InvoiceID]++
					return gateway.Payment{Reference: "pay-" + req.InvoiceID.String()}, nil
				}).AnyTimes()

			report, err := newEngine(repo, gw, window).RunCycle(context.Background())
			require.NoError(t, err)

			for id, n := range calls {
				assert.Equal(t, 1, n, "invoice %s attempted %d times", id, n)
			}
			assert.Len(t, calls, window+1)
			assert.Equal(t, 1, report.Urgent.Selected)
			assert.Equal(t, window, report.Batch.Selected)
		})
	}
}

func TestRunCycleIsolatesFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := gateway.NewMockGateway(ctrl)
	repo := memory.NewRepository()

	var recs []invoice.Record
	for offset := 0; offset < 5; offset++ {
		recs = append(recs, putReceived(t, repo, dueIn(offset), "99.99"))
	}
	broken := recs[2]

	gw.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req gateway.PaymentRequest) (gateway.Payment, error) {
			if req.InvoiceID == broken.ID {
				return gateway.Payment{}, &gateway.Error{Reason: "Your card was declined.", Code: "card_declined"}
			}
			return gateway.Payment{Reference: "pay-" + req.InvoiceID.String()}, nil
		}).Times(5)

	report, err := newEngine(repo, gw, 7).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 5, report.Processed())
	require.Len(t, report.Batch.Failures, 1)
	assert.Equal(t, broken.ID.String(), report.Batch.Failures[0].InvoiceID)
	assert.Equal(t, "Your card was declined.", report.Batch.Failures[0].Reason)

	for _, rec := range recs {
		got := mustGet(t, repo, rec.ID)
		if rec.ID == broken.ID {
			assert.Equal(t, invoice.StatusPaymentFailed, got.Status)
			assert.Equal(t, "Your card was declined.", got.FailureReason)
			continue
		}
		assert.Equal(t, invoice.StatusPaymentInitiated, got.Status)
	}
}

func TestRunCycleGatewayTimeoutFailsRecord(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := gateway.NewMockGateway(ctrl)
	repo := memory.NewRepository()
	rec := putReceived(t, repo, dueIn(0), "12.00")

	gw.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ gateway.PaymentRequest) (gateway.Payment, error) {
			<-ctx.Done()
			return gateway.Payment{}, ctx.Err()
		})

	cfg := scheduler.DefaultConfig()
	cfg.GatewayTimeout = 20 * time.Millisecond
	engine := scheduler.NewEngine(repo, nil, gw, cfg, nil, scheduler.WithClock(fixedClock))

	report, err := engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Urgent.Failed)

	got := mustGet(t, repo, rec.ID)
	assert.Equal(t, invoice.StatusPaymentFailed, got.Status)
	assert.Contains(t, got.FailureReason, "timeout")
}

func TestRetryAfterTimeoutReusesIdempotencyKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := gateway.NewMockGateway(ctrl)
	repo := memory.NewRepository()
	rec := putReceived(t, repo, dueIn(0), "12.00")

	var keys []string
	gomock.InOrder(
		// The processor accepts the payment but the answer arrives too late.
		gw.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, req gateway.PaymentRequest) (gateway.Payment, error) {
				keys = append(keys, req.IdempotencyKey)
				<-ctx.Done()
				return gateway.Payment{}, ctx.Err()
			}),
		gw.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req gateway.PaymentRequest) (gateway.Payment, error) {
				keys = append(keys, req.IdempotencyKey)
				return gateway.Payment{Reference: "pay-once", Status: "succeeded"}, nil
			}),
	)

	cfg := scheduler.DefaultConfig()
	cfg.GatewayTimeout = 20 * time.Millisecond
	engine := scheduler.NewEngine(repo, nil, gw, cfg, nil, scheduler.WithClock(fixedClock))

	_, err := engine.RunCycle(context.Background())
	require.NoError(t, err)
	failed := mustGet(t, repo, rec.ID)
	require.Equal(t, invoice.StatusPaymentFailed, failed.Status)
	assert.True(t, failed.PaymentUnresolved)

	_, err = invoice.NewService(repo, nil, nil).Retry(context.Background(), rec.ID)
	require.NoError(t, err)

	report, err := engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Urgent.Succeeded)
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1])
	assert.Equal(t, "pay-once", mustGet(t, repo, rec.ID).PaymentReference)
}

func TestRetryAfterDeclineUsesFreshKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := gateway.NewMockGateway(ctrl)
	repo := memory.NewRepository()
	rec := putReceived(t, repo, dueIn(0), "12.00")

	var keys []string
	gomock.InOrder(
		gw.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req gateway.PaymentRequest) (gateway.Payment, error) {
				keys = append(keys, req.IdempotencyKey)
				return gateway.Payment{}, &gateway.Error{Reason: "Your card was declined.", Code: "card_declined"}
			}),
		gw.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req gateway.PaymentRequest) (gateway.Payment, error) {
				keys = append(keys, req.IdempotencyKey)
				return gateway.Payment{Reference: "pay-new"}, nil
			}),
	)
	engine := newEngine(repo, gw, 7)

	_, err := engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, mustGet(t, repo, rec.ID).PaymentUnresolved)

	_, err = invoice.NewService(repo, nil, nil).Retry(context.Background(), rec.ID)
	require.NoError(t, err)
	_, err = engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{rec.ID.String() + ":0", rec.ID.String() + ":1"}, keys)
}

func TestRunCycleMissingAmountSkipsGateway(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := gateway.NewMockGateway(ctrl)
	repo := memory.NewRepository()
	rec := putReceived(t, repo, dueIn(1), "")

	report, err := newEngine(repo, gw, 7).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Batch.Failed)

	got := mustGet(t, repo, rec.ID)
	assert.Equal(t, invoice.StatusPaymentFailed, got.Status)
	assert.Equal(t, "amount: missing", got.FailureReason)
}

func TestRunCycleShortCircuitsExistingReference(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := gateway.NewMockGateway(ctrl)
	repo := memory.NewRepository()
	rec := putReceived(t, repo, dueIn(0), "20.00")
	rec.PaymentReference = "pay-earlier"
	repo.Put(rec)

	report, err := newEngine(repo, gw, 7).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Urgent.Succeeded)

	got := mustGet(t, repo, rec.ID)
	assert.Equal(t, invoice.StatusPaymentInitiated, got.Status)
	assert.Equal(t, "pay-earlier", got.PaymentReference)
}

func TestRunCycleSkipsRecordMovedConcurrently(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := gateway.NewMockGateway(ctrl)
	repo := memory.NewRepository()
	rec := putReceived(t, repo, dueIn(0), "20.00")

	gw.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ gateway.PaymentRequest) (gateway.Payment, error) {
			moved := rec
			moved.Status = invoice.StatusPaymentFailed
			moved.FailureReason = "cancelled by operator"
			repo.Put(moved)
			return gateway.Payment{Reference: "pay-late"}, nil
		})

	report, err := newEngine(repo, gw, 7).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Urgent.Skipped)
	assert.Equal(t, 0, report.Failed())
	assert.Equal(t, invoice.StatusPaymentFailed, mustGet(t, repo, rec.ID).Status)
}

type flakyRepo struct {
	*memory.Repository
	failUrgent bool
	failBatch  bool
	failSwaps  int
}

func (r *flakyRepo) ListByStatusAndDueDate(ctx context.Context, status invoice.Status, due civil.Date) ([]invoice.Record, error) {
	if r.failUrgent {
		return nil, errors.New("connection reset")
	}
	return r.Repository.ListByStatusAndDueDate(ctx, status, due)
}

func (r *flakyRepo) ListByStatusAndDueRange(ctx context.Context, status invoice.Status, from, to civil.Date) ([]invoice.Record, error) {
	if r.failBatch {
		return nil, errors.New("throughput exceeded")
	}
	return r.Repository.ListByStatusAndDueRange(ctx, status, from, to)
}

func (r *flakyRepo) CompareAndSwap(ctx context.Context, change invoice.Change) (invoice.Record, error) {
	if r.failSwaps > 0 {
		r.failSwaps--
		return invoice.Record{}, errors.New("write timeout")
	}
	return r.Repository.CompareAndSwap(ctx, change)
}

func TestRunCycleAbortsWhenBothQueriesFail(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := gateway.NewMockGateway(ctrl)
	repo := &flakyRepo{Repository: memory.NewRepository(), failUrgent: true, failBatch: true}
	putReceived(t, repo.Repository, dueIn(0), "20.00")

	report, err := newEngine(repo, gw, 7).RunCycle(context.Background())
	require.ErrorIs(t, err, scheduler.ErrCycleAborted)
	require.ErrorIs(t, err, invoice.ErrStore)
	assert.Equal(t, 0, report.Processed())
}

func TestRunCycleContinuesWhenOneQueryFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := gateway.NewMockGateway(ctrl)
	repo := &flakyRepo{Repository: memory.NewRepository(), failUrgent: true}
	putReceived(t, repo.Repository, dueIn(0), "20.00")
	later := putReceived(t, repo.Repository, dueIn(3), "20.00")

	gw.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req gateway.PaymentRequest) (gateway.Payment, error) {
			assert.Equal(t, later.ID, req.InvoiceID)
			return gateway.Payment{Reference: "pay-later"}, nil
		})

	report, err := newEngine(repo, gw, 7).RunCycle(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, report.Urgent.QueryError)
	assert.Equal(t, 1, report.Batch.Succeeded)
}

func TestRunCycleRecoversLostStatusWrite(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := gateway.NewMockGateway(ctrl)
	repo := &flakyRepo{Repository: memory.NewRepository(), failSwaps: 1}
	rec := putReceived(t, repo.Repository, dueIn(0), "75.10")

	var keys []string
	gw.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req gateway.PaymentRequest) (gateway.Payment, error) {
			keys = append(keys, req.IdempotencyKey)
			return gateway.Payment{Reference: "pay-same"}, nil
		}).Times(2)

	engine := newEngine(repo, gw, 7)
	first, err := engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Urgent.Failed)
	assert.Equal(t, invoice.StatusReceived, mustGet(t, repo, rec.ID).Status)

	second, err := engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Urgent.Succeeded)
	assert.Equal(t, []string{rec.ID.String() + ":0", rec.ID.String() + ":0"}, keys)
	assert.Equal(t, "pay-same", mustGet(t, repo, rec.ID).PaymentReference)
}

func TestRunCycleUsesConfiguredLocationForToday(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := gateway.NewMockGateway(ctrl)
	repo := memory.NewRepository()
	putReceived(t, repo, dueIn(0), "5.00")

	gw.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).Return(gateway.Payment{Reference: "pay-tz"}, nil)

	cfg := scheduler.DefaultConfig()
	cfg.WindowDays = 0
	cfg.Location = time.FixedZone("UTC+9", 9*60*60)
	lateEvening := func() time.Time { return time.Date(2024, time.January, 9, 20, 0, 0, 0, time.UTC) }
	engine := scheduler.NewEngine(repo, nil, gw, cfg, nil, scheduler.WithClock(lateEvening))

	report, err := engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cycleDay, report.Today)
	assert.Equal(t, 1, report.Urgent.Succeeded)
}

func TestRunCycleHonoursCycleLock(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := gateway.NewMockGateway(ctrl)
	repo := memory.NewRepository()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := shared.NewRedisLocker(client)

	release, err := locker.Acquire(context.Background(), shared.CycleLockKey, time.Minute)
	require.NoError(t, err)

	engine := newEngine(repo, gw, 7, scheduler.WithLocker(locker))
	_, err = engine.RunCycle(context.Background())
	require.ErrorIs(t, err, scheduler.ErrCycleInProgress)

	require.NoError(t, release(context.Background()))
	_, err = engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, mr.Exists(shared.CycleLockKey))
}

func TestRunCycleRecordsAttemptMetrics(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := gateway.NewMockGateway(ctrl)
	repo := memory.NewRepository()
	putReceived(t, repo, dueIn(0), "5.00")
	putReceived(t, repo, dueIn(2), "")

	gw.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).Return(gateway.Payment{Reference: "pay-m"}, nil)

	reg := prometheus.NewRegistry()
	engine := newEngine(repo, gw, 7, scheduler.WithMetrics(jobmetrics.NewMetrics(reg)))
	_, err := engine.RunCycle(context.Background())
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != "billpay_payment_attempts_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, total)
}
