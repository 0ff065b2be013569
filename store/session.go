package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const DefaultUserIndexName = "user_id-index"

// sessionItem is the DynamoDB shape of a session. The chunk ledger lives in the
// same item so a single conditional PutItem covers session and chunks atomically.
type sessionItem struct {
	UploadId          string               `dynamodbav:"upload_id"`           // Partition key
	FileName          string               `dynamodbav:"file_name"`           // Client supplied file name
	TotalSize         int64                `dynamodbav:"total_size"`          // Declared size in bytes
	ContentType       string               `dynamodbav:"content_type"`        // Declared MIME type
	UserId            string               `dynamodbav:"user_id"`             // GSI partition key
	UserRole          string               `dynamodbav:"user_role"`           // creator | member | subscriber
	StorageKey        string               `dynamodbav:"storage_key"`         // Object key in the bucket
	RemoteMultipartId string               `dynamodbav:"remote_multipart_id"` // Remote multipart handle
	Status            string               `dynamodbav:"status"`              // Current upload status
	CreatedAt         time.Time            `dynamodbav:"created_at"`          // GSI sort key
	UpdatedAt         time.Time            `dynamodbav:"updated_at"`          // Last mutation
	Version           int64                `dynamodbav:"version"`             // Optimistic lock counter
	Chunks            map[string]chunkItem `dynamodbav:"chunks"`              // chunk_index -> chunk
}

type chunkItem struct {
	Size       int64     `dynamodbav:"s"`
	ETag       string    `dynamodbav:"e"`
	Checksum   string    `dynamodbav:"c"`
	UploadedAt time.Time `dynamodbav:"t"`
}

type DynamoSessionStoreImpl struct {
	client    *dynamodb.Client
	tableName string
	userIndex string
}

func NewDynamoSessionStoreImpl(client *dynamodb.Client, tableName string, userIndex string) *DynamoSessionStoreImpl {
	if userIndex == "" {
		userIndex = DefaultUserIndexName
	}
	return &DynamoSessionStoreImpl{
		client:    client,
		tableName: tableName,
		userIndex: userIndex,
	}
}

func (s *DynamoSessionStoreImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
				TableName: aws.String(s.tableName),
			})

			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *DynamoSessionStoreImpl) Name() string {
	return "UploadsStore[dynamodb]"
}

// EnsureTable creates the sessions table and its user index if they do not exist.
func (s *DynamoSessionStoreImpl) EnsureTable(ctx context.Context) error {
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("upload_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("user_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("created_at"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("upload_id"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(s.userIndex),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("user_id"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("created_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})

	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("create table %s: %w", s.tableName, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	}, 2*time.Minute)
}

func (s *DynamoSessionStoreImpl) CreateSession(ctx context.Context, session models.UploadSession) error {
	item, err := attributevalue.MarshalMap(toSessionItem(session, nil))
	if err != nil {
		return err
	}

	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(upload_id)"),
			})
			return err
		},
		retries.IsRetriableDbError,
	)

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return apperror.ErrSessionExists
	}
	return err
}

func (s *DynamoSessionStoreImpl) GetSession(ctx context.Context, uploadID string) (*models.UploadSession, []models.ChunkRecord, error) {
	var item sessionItem

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"upload_id": &types.AttributeValueMemberS{
						Value: uploadID,
					},
				},
				ConsistentRead: aws.Bool(true),
			})
			if err != nil {
				return err
			}

			if out.Item == nil {
				return apperror.ErrSessionNotFound
			}

			return attributevalue.UnmarshalMap(out.Item, &item)
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return nil, nil, err
	}

	session, chunks, err := fromSessionItem(item)
	if err != nil {
		return nil, nil, err
	}
	return &session, chunks, nil
}

func (s *DynamoSessionStoreImpl) CompareAndUpdate(ctx context.Context, uploadID string, expectedVersion int64, mutate Mutator) (int64, error) {
	current, chunks, err := s.GetSession(ctx, uploadID)
	if err != nil {
		return 0, err
	}
	if current.Version != expectedVersion {
		return 0, apperror.ErrVersionConflict
	}

	next, merged, _, err := applyMutation(*current, chunks, mutate)
	if err != nil {
		return 0, err
	}

	want := toSessionItem(next, merged)
	item, err := attributevalue.MarshalMap(want)
	if err != nil {
		return 0, err
	}

	// only rejections that never reached the table are retried; a lost
	// response may hide a write that already landed
	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("version = :expected"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":expected": &types.AttributeValueMemberN{
						Value: strconv.FormatInt(expectedVersion, 10),
					},
				},
				ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
			})
			return err
		},
		retries.IsRetriableConditionalWrite,
	)

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if writeLanded(ccf.Item, want) {
			return next.Version, nil
		}
		return 0, apperror.ErrVersionConflict
	}
	if err != nil {
		return 0, err
	}

	return next.Version, nil
}

func (s *DynamoSessionStoreImpl) Delete(ctx context.Context, uploadID string) error {
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"upload_id": &types.AttributeValueMemberS{Value: uploadID},
				},
				ConditionExpression: aws.String("attribute_exists(upload_id)"),
			})
			return err
		},
		retries.IsRetriableDbError,
	)

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return apperror.ErrSessionNotFound
	}
	return err
}

func (s *DynamoSessionStoreImpl) ListByUser(ctx context.Context, userID string) ([]models.UploadSession, error) {
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(s.userIndex),
		KeyConditionExpression: aws.String("user_id = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u": &types.AttributeValueMemberS{
				Value: userID,
			},
		},
		ScanIndexForward: aws.Bool(false),
	})

	sessions := []models.UploadSession{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}

		var items []sessionItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, err
		}

		for _, item := range items {
			session, _, err := fromSessionItem(item)
			if err != nil {
				return nil, err
			}
			sessions = append(sessions, session)
		}
	}

	return sortSessionsNewestFirst(sessions), nil
}

// writeLanded reports whether the item returned by a failed conditional write
// is the one this write put there, as happens when the SDK resends a request
// whose first response was lost.
func writeLanded(stored map[string]types.AttributeValue, want sessionItem) bool {
	if len(stored) == 0 {
		return false
	}
	var got sessionItem
	if err := attributevalue.UnmarshalMap(stored, &got); err != nil {
		return false
	}
	if got.Version != want.Version || got.Status != want.Status || !got.UpdatedAt.Equal(want.UpdatedAt) {
		return false
	}
	if len(got.Chunks) != len(want.Chunks) {
		return false
	}
	for idx, c := range want.Chunks {
		g, ok := got.Chunks[idx]
		if !ok || g.Size != c.Size || g.ETag != c.ETag || g.Checksum != c.Checksum {
			return false
		}
	}
	return true
}

func toSessionItem(s models.UploadSession, chunks []models.ChunkRecord) sessionItem {
	item := sessionItem{
		UploadId:          s.UploadId,
		FileName:          s.FileName,
		TotalSize:         s.TotalSize,
		ContentType:       s.ContentType,
		UserId:            s.UserId,
		UserRole:          s.UserRole.String(),
		StorageKey:        s.StorageKey,
		RemoteMultipartId: s.RemoteMultipartId,
		Status:            s.Status.String(),
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
		Version:           s.Version,
		Chunks:            make(map[string]chunkItem, len(chunks)),
	}
	for _, c := range chunks {
		item.Chunks[strconv.Itoa(c.ChunkIndex)] = chunkItem{
			Size:       c.ChunkSize,
			ETag:       c.ETag,
			Checksum:   c.Checksum,
			UploadedAt: c.UploadedAt,
		}
	}
	return item
}

func fromSessionItem(item sessionItem) (models.UploadSession, []models.ChunkRecord, error) {
	status, err := models.ParseUploadStatus(item.Status)
	if err != nil {
		return models.UploadSession{}, nil, fmt.Errorf("database contains invalid status: %w", err)
	}
	role, err := models.ParseUserRole(item.UserRole)
	if err != nil {
		return models.UploadSession{}, nil, fmt.Errorf("database contains invalid role: %w", err)
	}

	chunks := make([]models.ChunkRecord, 0, len(item.Chunks))
	for k, c := range item.Chunks {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return models.UploadSession{}, nil, fmt.Errorf("invalid chunk index %q: %w", k, err)
		}
		chunks = append(chunks, models.ChunkRecord{
			ChunkIndex: idx,
			ChunkSize:  c.Size,
			ETag:       c.ETag,
			Checksum:   c.Checksum,
			UploadedAt: c.UploadedAt,
		})
	}

	return models.UploadSession{
		UploadId:          item.UploadId,
		FileName:          item.FileName,
		TotalSize:         item.TotalSize,
		ContentType:       item.ContentType,
		UserId:            item.UserId,
		UserRole:          role,
		StorageKey:        item.StorageKey,
		RemoteMultipartId: item.RemoteMultipartId,
		Status:            status,
		CreatedAt:         item.CreatedAt,
		UpdatedAt:         item.UpdatedAt,
		Version:           item.Version,
	}, sortChunks(chunks), nil
}
