// Package dynamo implements invoice.Repository on a DynamoDB table keyed by
// id, with a status/due-date index and a payment-reference index.
package dynamo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/google/uuid"

	"github.com/odyssey-erp/billpay/internal/invoice"
)

const (
	// StatusDueDateIndex is keyed by processing_status (hash) and due_date (range).
	StatusDueDateIndex = "StatusDueDateIndex"
	// PaymentReferenceIndex is keyed by payment_reference.
	PaymentReferenceIndex = "PaymentReferenceIndex"
)

// Repository stores invoice records in DynamoDB.
type Repository struct {
	client dynamodbiface.DynamoDBAPI
	table  string
}

// NewRepository constructs a Repository for the given table.
func NewRepository(client dynamodbiface.DynamoDBAPI, table string) *Repository {
	return &Repository{client: client, table: table}
}

func (r *Repository) Create(ctx context.Context, rec invoice.Record) error {
	av, err := dynamodbattribute.MarshalMap(toItem(rec))
	if err != nil {
		return fmt.Errorf("invoice/dynamo: marshal: %w", err)
	}
	_, err = r.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if isConditionFailed(err) {
		return invoice.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("invoice/dynamo: put item: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (invoice.Record, error) {
	it, err := r.getItem(ctx, id)
	if err != nil {
		return invoice.Record{}, err
	}
	rec, err := it.record()
	if err != nil {
		return invoice.Record{}, fmt.Errorf("invoice/dynamo: decode: %w", err)
	}
	return rec, nil
}

func (r *Repository) List(ctx context.Context, filter invoice.ListFilter) ([]invoice.Record, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(r.table)}
	if filter.Status != nil {
		input.FilterExpression = aws.String("#st = :status")
		input.ExpressionAttributeNames = map[string]*string{"#st": aws.String("processing_status")}
		input.ExpressionAttributeValues = map[string]*dynamodb.AttributeValue{
			":status": {S: aws.String(string(*filter.Status))},
		}
	}
	var out []invoice.Record
	for {
		page, err := r.client.ScanWithContext(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("invoice/dynamo: scan: %w", err)
		}
		recs, err := decodeItems(page.Items)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
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
	return r.queryIndex(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.table),
		IndexName:              aws.String(StatusDueDateIndex),
		KeyConditionExpression: aws.String("#st = :status AND due_date = :due"),
		ExpressionAttributeNames: map[string]*string{
			"#st": aws.String("processing_status"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":status": {S: aws.String(string(status))},
			":due":    {S: aws.String(due.String())},
		},
}, false)
}

func (r *Repository) ListByStatusAndDueRange(ctx context.Context, status invoice.Status, from, to civil.Date) ([]invoice.Record, error) {
	return r.queryIndex(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.table),
		IndexName:              aws.String(StatusDueDateIndex),
		KeyConditionExpression: aws.String("#st = :status AND due_date BETWEEN :from AND :to"),
		ExpressionAttributeNames: map[string]*string{
			"#st": aws.String("processing_status"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":status": {S: aws.String(string(status))},
			":from":   {S: aws.String(from.String())},
			":to":     {S: aws.String(to.String())},
		},
}, false)
}

func (r *Repository) FindByPaymentReference(ctx context.Context, reference string) ([]invoice.Record, error) {
	if reference == "" {
		return nil, nil
	}
	return r.queryIndex(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.table),
		IndexName:              aws.String(PaymentReferenceIndex),
		KeyConditionExpression: aws.String("payment_reference = :ref"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":ref": {S: aws.String(reference)},
		},
	}, true)
}

// CompareAndSwap issues a conditional UpdateItem. The condition requires the
// stored status to equal change.From and any stored payment reference to
// equal the one being written. The transition is appended to status_history
// in the same write.
func (r *Repository) CompareAndSwap(ctx context.Context, change invoice.Change) (invoice.Record, error) {
	ev := eventItem{
		From:             string(change.From),
		To:               string(change.To),
		PaymentReference: change.PaymentReference,
		FailureReason:    change.FailureReason,
		At:               formatTime(change.At),
	}
	evAV, err := dynamodbattribute.Marshal([]eventItem{ev})
	if err != nil {
		return invoice.Record{}, fmt.Errorf("invoice/dynamo: marshal event: %w", err)
	}

	set := []string{
		"#st = :to",
		"last_updated = :at",
		"attempt = :attempt",
		"status_history = list_append(if_not_exists(status_history, :empty), :event)",
	}
	var remove []string
	values := map[string]*dynamodb.AttributeValue{
		":from":    {S: aws.String(string(change.From))},
		":to":      {S: aws.String(string(change.To))},
		":at":      {S: aws.String(formatTime(change.At))},
		":attempt": {N: aws.String(fmt.Sprintf("%d", change.Attempt))},
		":empty":   {L: []*dynamodb.AttributeValue{}},
		":event":   evAV,
	}
	condition := "attribute_exists(id) AND #st = :from AND attribute_not_exists(payment_reference)"
	if change.PaymentReference != "" {
		set = append(set, "payment_reference = :ref")
		values[":ref"] = &dynamodb.AttributeValue{S: aws.String(change.PaymentReference)}
		condition = "attribute_exists(id) AND #st = :from AND (attribute_not_exists(payment_reference) OR payment_reference = :ref)"
	}
	if change.FailureReason != "" {
		set = append(set, "failure_reason = :reason")
		values[":reason"] = &dynamodb.AttributeValue{S: aws.String(change.FailureReason)}
	} else {
		remove = append(remove, "failure_reason")
	}
	if change.PaymentUnresolved {
		set = append(set, "payment_unresolved = :unresolved")
		values[":unresolved"] = &dynamodb.AttributeValue{BOOL: aws.Bool(true)}
	} else {
		remove = append(remove, "payment_unresolved")
	}
	if change.SettledAt != nil {
		set = append(set, "payment_succeeded_at = :settled")
		values[":settled"] = &dynamodb.AttributeValue{S: aws.String(formatTime(*change.SettledAt))}
	} else {
		remove = append(remove, "payment_succeeded_at")
	}
	update := "SET " + strings.Join(set, ", ")
	if len(remove) > 0 {
		update += " REMOVE " + strings.Join(remove, ", ")
	}

	out, err := r.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       keyOf(change.ID),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  map[string]*string{"#st": aws.String("processing_status")},
		ExpressionAttributeValues: values,
		ReturnValues:              aws.String(dynamodb.ReturnValueAllNew),
	})
	if isConditionFailed(err) {
		if _, getErr := r.getItem(ctx, change.ID); getErr != nil {
			return invoice.Record{}, getErr
		}
		return invoice.Record{}, invoice.ErrStatusConflict
	}
	if err != nil {
		return invoice.Record{}, fmt.Errorf("invoice/dynamo: update item: %w", err)
	}
	var it item
	if err := dynamodbattribute.UnmarshalMap(out.Attributes, &it); err != nil {
		return invoice.Record{}, fmt.Errorf("invoice/dynamo: unmarshal: %w", err)
	}
	rec, err := it.record()
	if err != nil {
		return invoice.Record{}, fmt.Errorf("invoice/dynamo: decode: %w", err)
	}
	return rec, nil
}

func (r *Repository) Events(ctx context.Context, id uuid.UUID) ([]invoice.Event, error) {
	it, err := r.getItem(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := it.events()
	if err != nil {
		return nil, fmt.Errorf("invoice/dynamo: decode history: %w", err)
	}
	for i := range events {
		events[i].InvoiceID = id
	}
	return events, nil
}

func (r *Repository) getItem(ctx context.Context, id uuid.UUID) (item, error) {
	out, err := r.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            keyOf(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return item{}, fmt.Errorf("invoice/dynamo: get item: %w", err)
	}
	if len(out.Item) == 0 {
		return item{}, invoice.ErrNotFound
	}
	var it item
	if err := dynamodbattribute.UnmarshalMap(out.Item, &it); err != nil {
		return item{}, fmt.Errorf("invoice/dynamo: unmarshal: %w", err)
	}
	return it, nil
}

// queryIndex drains every page of input. Results are ordered by due date and
// then id; byID orders by id alone.
func (r *Repository) queryIndex(ctx context.Context, input *dynamodb.QueryInput, byID bool) ([]invoice.Record, error) {
	var out []invoice.Record
	for {
		page, err := r.client.QueryWithContext(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("invoice/dynamo: query %s: %w", aws.StringValue(input.IndexName), err)
		}
		recs, err := decodeItems(page.Items)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].DueDate, out[j].DueDate
		if !byID && a != nil && b != nil && *a != *b {
			return a.Before(*b)
		}
		return lessID(out[i].ID, out[j].ID)
	})
	return out, nil
}

func decodeItems(items []map[string]*dynamodb.AttributeValue) ([]invoice.Record, error) {
	var raw []item
	if err := dynamodbattribute.UnmarshalListOfMaps(items, &raw); err != nil {
		return nil, fmt.Errorf("invoice/dynamo: unmarshal page: %w", err)
	}
	out := make([]invoice.Record, 0, len(raw))
	for _, it := range raw {
		rec, err := it.record()
		if err != nil {
			return nil, fmt.Errorf("invoice/dynamo: decode: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func keyOf(id uuid.UUID) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{"id": {S: aws.String(id.String())}}
}

func isConditionFailed(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}

func lessID(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
