package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// MetadataStore writes and reads ImageRecords keyed by img_id.
type MetadataStore interface {
	Put(ctx context.Context, record *ImageRecord) error
	Get(ctx context.Context, id string) (*ImageRecord, error)
	// List returns up to limit records, or every record when limit <= 0.
	// Ordering is backend specific.
	List(ctx context.Context, limit int) ([]*ImageRecord, error)
}

// DynamoAPI is the subset of the DynamoDB client used by DynamoMetadataStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoMetadataStore stores records in a DynamoDB table whose partition key is img_id.
type DynamoMetadataStore struct {
	client DynamoAPI
	table  string
}

// NewDynamoMetadataStore returns a MetadataStore for table.
func NewDynamoMetadataStore(client DynamoAPI, table string) *DynamoMetadataStore {
	return &DynamoMetadataStore{client: client, table: table}
}

// Put writes record. Records are immutable, so an existing id is rejected.
func (d *DynamoMetadataStore) Put(ctx context.Context, record *ImageRecord) error {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(img_id)"),
	})
	if err != nil {
		var conflict *types.ConditionalCheckFailedException
		if errors.As(err, &conflict) {
			return fmt.Errorf("record %s already exists", record.ImgID)
		}
		return err
	}
	return nil
}

// Get reads the record for id with a strongly consistent read.
func (d *DynamoMetadataStore) Get(ctx context.Context, id string) (*ImageRecord, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"img_id": &types.AttributeValueMemberS{Value: id},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var record ImageRecord
	if err := attributevalue.UnmarshalMap(out.Item, &record); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &record, nil
}

// List scans the table page by page until limit records are collected.
func (d *DynamoMetadataStore) List(ctx context.Context, limit int) ([]*ImageRecord, error) {
	paginator := dynamodb.NewScanPaginator(d.client, &dynamodb.ScanInput{
		TableName: aws.String(d.table),
	})

	var records []*ImageRecord
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var batch []*ImageRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal records: %w", err)
		}
		records = append(records, batch...)
		if limit > 0 && len(records) >= limit {
			return records[:limit], nil
		}
	}
	return records, nil
}

// MemoryMetadataStore keeps records in memory. It backs local runs and tests.
type MemoryMetadataStore struct {
	mu      sync.RWMutex
	records map[string]ImageRecord
}

// NewMemoryMetadataStore returns an empty store.
func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{records: make(map[string]ImageRecord)}
}

// Put stores a copy of record.
func (m *MemoryMetadataStore) Put(_ context.Context, record *ImageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[record.ImgID]; exists {
		return fmt.Errorf("record %s already exists", record.ImgID)
	}
	copied := *record
	copied.Predictions = append([]float32(nil), record.Predictions...)
	m.records[record.ImgID] = copied
	return nil
}

// Get returns a copy of the record for id.
func (m *MemoryMetadataStore) Get(_ context.Context, id string) (*ImageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	record.Predictions = append([]float32(nil), record.Predictions...)
	return &record, nil
}

// List returns copies of the stored records, newest first.
func (m *MemoryMetadataStore) List(_ context.Context, limit int) ([]*ImageRecord, error) {
	m.mu.RLock()
	records := make([]*ImageRecord, 0, len(m.records))
	for _, record := range m.records {
		record.Predictions = append([]float32(nil), record.Predictions...)
		records = append(records, &record)
	}
	m.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].Time().After(records[j].Time())
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Len returns the number of stored records.
func (m *MemoryMetadataStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
