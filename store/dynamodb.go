package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/tendorhq/huntflow"
)

// maxAppendRetries bounds optimistic retries when concurrent appends to
// different steps of the same run race on the sequence counter.
const maxAppendRetries = 5

// DynamoDBStore implements huntflow.HistoryStore using AWS DynamoDB.
//
// Layout: one meta row per run (PK=RUN#{runID}, SK=META) carrying the
// run fields plus append bookkeeping (last_seq, inflight_attempts,
// resolved_attempts), and one row per step record (SK=REC#{seq}).
// Append is a transaction conditioned on last_seq, so exactly one of
// two racing appends wins and record order is total per run.
type DynamoDBStore struct {
	client    DynamoDBClient
	tableName string
}

var _ huntflow.HistoryStore = (*DynamoDBStore)(nil)

// NewDynamoDBStore creates a new DynamoDB-backed history store
func NewDynamoDBStore(client DynamoDBClient, tableName string) *DynamoDBStore {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
	}
}

// appendMeta holds the bookkeeping attributes of the run meta row.
type appendMeta struct {
	LastSeq  int64          `dynamodbav:"last_seq"`
	Inflight map[string]int `dynamodbav:"inflight_attempts,omitempty"`
	Resolved map[string]int `dynamodbav:"resolved_attempts,omitempty"`
}

// Workflow run operations

func (s *DynamoDBStore) CreateRun(ctx context.Context, run *huntflow.WorkflowRun) error {
	item, err := attributevalue.MarshalMap(run)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow run: %w", err)
	}

	// Add keys and bookkeeping
	item[AttrPK] = &types.AttributeValueMemberS{Value: runPK(run.RunID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: runMetaSK()}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeWorkflowRun}
	item[AttrLastSeq] = &types.AttributeValueMemberN{Value: "0"}
	item[AttrGSI1PK] = &types.AttributeValueMemberS{Value: runGSI1PK(run.AccountID)}
	item[AttrGSI1SK] = &types.AttributeValueMemberS{Value: runGSI1SK(run.CreatedAt.Format(time.RFC3339Nano))}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return huntflow.ErrRunExists
		}
		return fmt.Errorf("failed to create workflow run: %w", err)
	}

	return nil
}

func (s *DynamoDBStore) GetRun(ctx context.Context, runID string) (*huntflow.WorkflowRun, error) {
	item, err := s.getMetaItem(ctx, runID)
	if err != nil {
		return nil, err
	}

	var run huntflow.WorkflowRun
	if err := attributevalue.UnmarshalMap(item, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow run: %w", err)
	}

	return &run, nil
}

func (s *DynamoDBStore) ListRuns(ctx context.Context, filter huntflow.RunFilter) ([]*huntflow.WorkflowRun, error) {
	if filter.AccountID == "" {
		return nil, fmt.Errorf("ListRuns requires an account ID")
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(IndexAccountIndex),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: runGSI1PK(filter.AccountID)},
		},
		ScanIndexForward: aws.Bool(false), // newest first
	}
	if filter.Limit > 0 {
		input.Limit = aws.Int32(int32(filter.Limit))
	}

	result, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs by account: %w", err)
	}

	runs := make([]*huntflow.WorkflowRun, 0, len(result.Items))
	for _, item := range result.Items {
		var run huntflow.WorkflowRun
		if err := attributevalue.UnmarshalMap(item, &run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow run: %w", err)
		}
		runs = append(runs, &run)
	}

	return runs, nil
}

func (s *DynamoDBStore) RequestCancel(ctx context.Context, runID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: runPK(runID)},
			AttrSK: &types.AttributeValueMemberS{Value: runMetaSK()},
		},
		UpdateExpression:    aws.String("SET cancel_requested = :t"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return huntflow.ErrRunNotFound
		}
		return fmt.Errorf("failed to request cancel: %w", err)
	}

	return nil
}

// History operations

func (s *DynamoDBStore) Append(ctx context.Context, record *huntflow.StepRecord) error {
	for i := 0; i < maxAppendRetries; i++ {
		item, err := s.getMetaItem(ctx, record.RunID)
		if err != nil {
			return err
		}

		var meta appendMeta
		if err := attributevalue.UnmarshalMap(item, &meta); err != nil {
			return fmt.Errorf("failed to unmarshal run meta: %w", err)
		}
		if meta.Inflight == nil {
			meta.Inflight = make(map[string]int)
		}
		if meta.Resolved == nil {
			meta.Resolved = make(map[string]int)
		}

		switch record.Status {
		case huntflow.StepStatusScheduled:
			if meta.Inflight[record.StepName] != 0 {
				return huntflow.ErrConflict
			}
			if record.Attempt <= meta.Resolved[record.StepName] {
				return huntflow.ErrConflict
			}
			meta.Inflight[record.StepName] = record.Attempt

		default:
			if meta.Inflight[record.StepName] != record.Attempt {
				return huntflow.ErrConflict
			}
			delete(meta.Inflight, record.StepName)
			meta.Resolved[record.StepName] = record.Attempt
		}

		record.Seq = meta.LastSeq + 1

		ok, err := s.transactAppend(ctx, record, meta)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		// Lost the sequence race to a concurrent append; re-read and
		// re-check the invariants.
	}

	return fmt.Errorf("append contention on run %s", record.RunID)
}

// transactAppend writes the record row and advances the meta row in one
// transaction. Returns false when the last_seq condition failed.
func (s *DynamoDBStore) transactAppend(ctx context.Context, record *huntflow.StepRecord, meta appendMeta) (bool, error) {
	recordItem, err := attributevalue.MarshalMap(record)
	if err != nil {
		return false, fmt.Errorf("failed to marshal step record: %w", err)
	}
	recordItem[AttrPK] = &types.AttributeValueMemberS{Value: runPK(record.RunID)}
	recordItem[AttrSK] = &types.AttributeValueMemberS{Value: recordSK(record.Seq)}
	recordItem[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeStepRecord}

	inflightAV, err := attributevalue.Marshal(meta.Inflight)
	if err != nil {
		return false, fmt.Errorf("failed to marshal inflight attempts: %w", err)
	}
	resolvedAV, err := attributevalue.Marshal(meta.Resolved)
	if err != nil {
		return false, fmt.Errorf("failed to marshal resolved attempts: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName: aws.String(s.tableName),
					Key: map[string]types.AttributeValue{
						AttrPK: &types.AttributeValueMemberS{Value: runPK(record.RunID)},
						AttrSK: &types.AttributeValueMemberS{Value: runMetaSK()},
					},
					UpdateExpression:    aws.String("SET last_seq = :seq, inflight_attempts = :inflight, resolved_attempts = :resolved"),
					ConditionExpression: aws.String("last_seq = :prev"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":seq":      &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", record.Seq)},
						":prev":     &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", record.Seq-1)},
						":inflight": inflightAV,
						":resolved": resolvedAV,
					},
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                recordItem,
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			return false, nil
		}
		return false, fmt.Errorf("failed to append step record: %w", err)
	}

	return true, nil
}

func (s *DynamoDBStore) Load(ctx context.Context, runID string) ([]*huntflow.StepRecord, error) {
	// Verify the run exists so a missing run is distinguishable from an
	// empty history.
	if _, err := s.getMetaItem(ctx, runID); err != nil {
		return nil, err
	}

	var records []*huntflow.StepRecord
	var lastKey map[string]types.AttributeValue

	for {
		input := &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: runPK(runID)},
				":prefix": &types.AttributeValueMemberS{Value: recordPrefix()},
			},
			ScanIndexForward:  aws.Bool(true), // append order
			ExclusiveStartKey: lastKey,
		}

		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query step records: %w", err)
		}

		for _, item := range result.Items {
			var record huntflow.StepRecord
			if err := attributevalue.UnmarshalMap(item, &record); err != nil {
				return nil, fmt.Errorf("failed to unmarshal step record: %w", err)
			}
			records = append(records, &record)
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		lastKey = result.LastEvaluatedKey
	}

	return records, nil
}

func (s *DynamoDBStore) getMetaItem(ctx context.Context, runID string) (map[string]types.AttributeValue, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: runPK(runID)},
			AttrSK: &types.AttributeValueMemberS{Value: runMetaSK()},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}
	if result.Item == nil {
		return nil, huntflow.ErrRunNotFound
	}

	return result.Item, nil
}
