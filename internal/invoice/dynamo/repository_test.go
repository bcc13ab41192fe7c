package dynamo

import (
	"context"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/billpay/internal/invoice"
)

type fakeDynamo struct {
	dynamodbiface.DynamoDBAPI

	putInputs    []*dynamodb.PutItemInput
	putErr       error
	getItem      map[string]*dynamodb.AttributeValue
	queryInputs  []dynamodb.QueryInput
	queryPages   []*dynamodb.QueryOutput
	updateInputs []*dynamodb.UpdateItemInput
	updateOut    *dynamodb.UpdateItemOutput
	updateErr    error
}

func (f *fakeDynamo) PutItemWithContext(ctx aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	f.putInputs = append(f.putInputs, in)
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) GetItemWithContext(ctx aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.getItem}, nil
}

func (f *fakeDynamo) QueryWithContext(ctx aws.Context, in *dynamodb.QueryInput, _ ...request.Option) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, *in)
	page := f.queryPages[0]
	f.queryPages = f.queryPages[1:]
	return page, nil
}

func (f *fakeDynamo) UpdateItemWithContext(ctx aws.Context, in *dynamodb.UpdateItemInput, _ ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	f.updateInputs = append(f.updateInputs, in)
	return f.updateOut, f.updateErr
}

func sampleRecord(t *testing.T) invoice.Record {
	t.Helper()
	due := civil.Date{Year: 2024, Month: time.January, Day: 10}
	return invoice.Record{
		ID:                  uuid.New(),
		Status:              invoice.StatusReceived,
		VendorName:          "Acme GmbH",
		ReferenceID:         "INV-1",
		DueDate:             &due,
		Amount:              decimal.NewNullDecimal(decimal.RequireFromString("453.53")),
		Currency:            "EUR",
		SourceReference:     "s3://bucket/key",
		ExtractionSucceeded: true,
		ReceivedAt:          time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC),
		LastUpdated:         time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC),
	}
}

func marshalItem(t *testing.T, rec invoice.Record) map[string]*dynamodb.AttributeValue {
	t.Helper()
	av, err := dynamodbattribute.MarshalMap(toItem(rec))
	require.NoError(t, err)
	return av
}

func TestCreatePutsConditionalItem(t *testing.T) {
	fake := &fakeDynamo{}
	repo := NewRepository(fake, "Invoices")
	rec := sampleRecord(t)

	require.NoError(t, repo.Create(context.Background(), rec))
	require.Len(t, fake.putInputs, 1)
	in := fake.putInputs[0]
	assert.Equal(t, "Invoices", aws.StringValue(in.TableName))
	assert.Equal(t, "attribute_not_exists(id)", aws.StringValue(in.ConditionExpression))
	assert.Equal(t, "453.53", aws.StringValue(in.Item["amount"].S))
	assert.Equal(t, "2024-01-10", aws.StringValue(in.Item["due_date"].S))
	assert.Equal(t, "RECEIVED", aws.StringValue(in.Item["processing_status"].S))
	_, hasRef := in.Item["payment_reference"]
	assert.False(t, hasRef, "empty payment reference must not be written to the index key")

	fake.putErr = awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "exists", nil)
	require.ErrorIs(t, repo.Create(context.Background(), rec), invoice.ErrDuplicate)
}

func TestGetRoundTripsRecord(t *testing.T) {
	rec := sampleRecord(t)
	fake := &fakeDynamo{getItem: marshalItem(t, rec)}
	repo := NewRepository(fake, "Invoices")

	got, err := repo.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.True(t, got.Amount.Decimal.Equal(rec.Amount.Decimal))
	assert.Equal(t, *rec.DueDate, *got.DueDate)
	assert.True(t, rec.ReceivedAt.Equal(got.ReceivedAt))

	fake.getItem = nil
	_, err = repo.Get(context.Background(), rec.ID)
	require.ErrorIs(t, err, invoice.ErrNotFound)
}

func TestRangeQueryFollowsPages(t *testing.T) {
	first := sampleRecord(t)
	second := sampleRecord(t)
	fake := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{
		{
			Items:            []map[string]*dynamodb.AttributeValue{marshalItem(t, first)},
			LastEvaluatedKey: map[string]*dynamodb.AttributeValue{"id": {S: aws.String(first.ID.String())}},
		},
		{Items: []map[string]*dynamodb.AttributeValue{marshalItem(t, second)}},
	}}
	repo := NewRepository(fake, "Invoices")
	from := civil.Date{Year: 2024, Month: time.January, Day: 10}

	recs, err := repo.ListByStatusAndDueRange(context.Background(), invoice.StatusReceived, from, from.AddDays(7))
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	require.Len(t, fake.queryInputs, 2)
	assert.Equal(t, StatusDueDateIndex, aws.StringValue(fake.queryInputs[0].IndexName))
	assert.Equal(t, "2024-01-17", aws.StringValue(fake.queryInputs[0].ExpressionAttributeValues[":to"].S))
	assert.Equal(t, first.ID.String(), aws.StringValue(fake.queryInputs[1].ExclusiveStartKey["id"].S))
}

func TestCompareAndSwapBuildsConditionalUpdate(t *testing.T) {
	rec := sampleRecord(t)
	after := rec
	after.Status = invoice.StatusPaymentInitiated
	after.PaymentReference = "pi_1"
	fake := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{Attributes: marshalItem(t, after)}}
	repo := NewRepository(fake, "Invoices")

	got, err := repo.CompareAndSwap(context.Background(), invoice.Change{
		ID:               rec.ID,
		From:             invoice.StatusReceived,
		To:               invoice.StatusPaymentInitiated,
		PaymentReference: "pi_1",
		At:               time.Date(2024, 1, 10, 6, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", got.PaymentReference)

	require.Len(t, fake.updateInputs, 1)
	in := fake.updateInputs[0]
	cond := aws.StringValue(in.ConditionExpression)
	assert.Contains(t, cond, "#st = :from")
	assert.Contains(t, cond, "payment_reference = :ref")
	update := aws.StringValue(in.UpdateExpression)
	assert.True(t, strings.HasPrefix(update, "SET "))
	assert.Contains(t, update, "payment_reference = :ref")
	assert.Contains(t, update, "REMOVE failure_reason, payment_unresolved, payment_succeeded_at")
	assert.Equal(t, "RECEIVED", aws.StringValue(in.ExpressionAttributeValues[":from"].S))
}

func TestCompareAndSwapReportsConflict(t *testing.T) {
	rec := sampleRecord(t)
	fake := &fakeDynamo{
		updateErr: awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "condition", nil),
		getItem:   marshalItem(t, rec),
	}
	repo := NewRepository(fake, "Invoices")
	change := invoice.Change{ID: rec.ID, From: invoice.StatusPaymentInitiated, To: invoice.StatusPaid, PaymentReference: "pi_1"}

	_, err := repo.CompareAndSwap(context.Background(), change)
	require.ErrorIs(t, err, invoice.ErrStatusConflict)

	fake.getItem = nil
	_, err = repo.CompareAndSwap(context.Background(), change)
	require.ErrorIs(t, err, invoice.ErrNotFound)
}

func TestFindByPaymentReferenceOrdersByID(t *testing.T) {
	low := sampleRecord(t)
	low.ID = uuid.MustParse("01000000-0000-4000-8000-000000000000")
	lateDue := civil.Date{Year: 2024, Month: time.February, Day: 1}
	low.DueDate = &lateDue
	high := sampleRecord(t)
	high.ID = uuid.MustParse("ff000000-0000-4000-8000-000000000000")
	earlyDue := civil.Date{Year: 2024, Month: time.January, Day: 1}
	high.DueDate = &earlyDue
	for _, rec := range []*invoice.Record{&low, &high} {
		rec.Status = invoice.StatusPaymentInitiated
		rec.PaymentReference = "pi_shared"
	}
	fake := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{
		{Items: []map[string]*dynamodb.AttributeValue{marshalItem(t, high), marshalItem(t, low)}},
	}}
	repo := NewRepository(fake, "Invoices")

	recs, err := repo.FindByPaymentReference(context.Background(), "pi_shared")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, low.ID, recs[0].ID)
	assert.Equal(t, high.ID, recs[1].ID)
	assert.Equal(t, PaymentReferenceIndex, aws.StringValue(fake.queryInputs[0].IndexName))
}

func TestCompareAndSwapStoresUnresolvedFailure(t *testing.T) {
	rec := sampleRecord(t)
	after := rec
	after.Status = invoice.StatusPaymentFailed
	after.FailureReason = "gateway timeout"
	after.PaymentUnresolved = true
	fake := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{Attributes: marshalItem(t, after)}}
	repo := NewRepository(fake, "Invoices")

	got, err := repo.CompareAndSwap(context.Background(), invoice.Change{
		ID:                rec.ID,
		From:              invoice.StatusReceived,
		To:                invoice.StatusPaymentFailed,
		FailureReason:     "gateway timeout",
		PaymentUnresolved: true,
		At:                time.Date(2024, 1, 10, 6, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.True(t, got.PaymentUnresolved)

	in := fake.updateInputs[0]
	assert.Contains(t, aws.StringValue(in.UpdateExpression), "payment_unresolved = :unresolved")
	assert.True(t, aws.BoolValue(in.ExpressionAttributeValues[":unresolved"].BOOL))
}
