package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

// EnsureTable creates the invoice table and its indexes when it does not
// exist yet. Used against local DynamoDB endpoints; production tables are
// provisioned outside the service.
func (r *Repository) EnsureTable(ctx context.Context) error {
	_, err := r.client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(r.table)})
	if err == nil {
		return nil
	}
	var aerr awserr.Error
	if !errors.As(err, &aerr) || aerr.Code() != dynamodb.ErrCodeResourceNotFoundException {
		return fmt.Errorf("invoice/dynamo: describe table: %w", err)
	}
	_, err = r.client.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(r.table),
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: aws.String(dynamodb.ScalarAttributeTypeS)},
			{AttributeName: aws.String("processing_status"), AttributeType: aws.String(dynamodb.ScalarAttributeTypeS)},
			{AttributeName: aws.String("due_date"), AttributeType: aws.String(dynamodb.ScalarAttributeTypeS)},
			{AttributeName: aws.String("payment_reference"), AttributeType: aws.String(dynamodb.ScalarAttributeTypeS)},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: aws.String(dynamodb.KeyTypeHash)},
		},
		GlobalSecondaryIndexes: []*dynamodb.GlobalSecondaryIndex{
			{
				IndexName: aws.String(StatusDueDateIndex),
				KeySchema: []*dynamodb.KeySchemaElement{
					{AttributeName: aws.String("processing_status"), KeyType: aws.String(dynamodb.KeyTypeHash)},
					{AttributeName: aws.String("due_date"), KeyType: aws.String(dynamodb.KeyTypeRange)},
				},
				Projection: &dynamodb.Projection{ProjectionType: aws.String(dynamodb.ProjectionTypeAll)},
			},
			{
				IndexName: aws.String(PaymentReferenceIndex),
				KeySchema: []*dynamodb.KeySchemaElement{
					{AttributeName: aws.String("payment_reference"), KeyType: aws.String(dynamodb.KeyTypeHash)},
				},
				Projection: &dynamodb.Projection{ProjectionType: aws.String(dynamodb.ProjectionTypeAll)},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("invoice/dynamo: create table: %w", err)
	}
	if err := r.client.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(r.table)}); err != nil {
		return fmt.Errorf("invoice/dynamo: wait for table: %w", err)
	}
	return nil
}
