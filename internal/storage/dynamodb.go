package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/amillerrr/clipflow/internal/config"
	"github.com/amillerrr/clipflow/pkg/models"
)

// DynamoDBAPI is the subset of the DynamoDB client used by VideoRepository.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// VideoRepository handles video records in DynamoDB.
type VideoRepository struct {
	client    DynamoDBAPI
	tableName string
	now       func() time.Time
}

// NewVideoRepository creates a new VideoRepository using the provided configuration.
func NewVideoRepository(ctx context.Context, cfg *config.Config) (*VideoRepository, *dynamodb.Client, error) {
	if cfg.AWS.DynamoDBTable == "" {
		return nil, nil, errors.New("DynamoDB table name is required")
	}

	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	client := dynamodb.NewFromConfig(awsCfg)
	return NewVideoRepositoryFromClient(client, cfg.AWS.DynamoDBTable), client, nil
}

// NewVideoRepositoryFromClient creates a new VideoRepository from an existing client.
func NewVideoRepositoryFromClient(client DynamoDBAPI, tableName string) *VideoRepository {
	return &VideoRepository{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

func videoKey(videoID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: "VIDEO#" + videoID},
		"sk": &types.AttributeValueMemberS{Value: "METADATA"},
	}
}

func (r *VideoRepository) timestamp() string {
	return r.now().UTC().Format(time.RFC3339)
}

func (r *VideoRepository) fillKeys(v *models.VideoRecord) {
	if v.CreatedAt == "" {
		v.CreatedAt = r.timestamp()
	}
	v.PK = "VIDEO#" + v.ID
	v.SK = "METADATA"
	v.GSI1PK = "USER#" + v.UserID
	v.GSI1SK = v.CreatedAt + "#" + v.ID
}

// CreatePending writes a new record in the processing state. It fails if the ID already exists.
func (r *VideoRepository) CreatePending(ctx context.Context, v *models.VideoRecord) error {
	v.Status = models.StatusProcessing
	r.fillKeys(v)
	v.UpdatedAt = v.CreatedAt

	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return fmt.Errorf("%w: marshal video: %w", models.ErrPersistence, err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: video already exists: %s", models.ErrPersistence, v.ID)
		}
		return fmt.Errorf("%w: create video: %w", models.ErrPersistence, err)
	}

	return nil
}

// SaveVideo upserts the final record. A processed record and the LATEST
// pointer are written in one transaction, so either both land or neither.
func (r *VideoRepository) SaveVideo(ctx context.Context, v *models.VideoRecord) error {
	r.fillKeys(v)
	v.UpdatedAt = r.timestamp()

	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return fmt.Errorf("%w: marshal video: %w", models.ErrPersistence, err)
	}

	if v.Status != models.StatusProcessed {
		if _, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(r.tableName),
			Item:      item,
		}); err != nil {
			return fmt.Errorf("%w: save video: %w", models.ErrPersistence, err)
		}
		return nil
	}

	latestItem := map[string]types.AttributeValue{
		"pk":         &types.AttributeValueMemberS{Value: "LATEST"},
		"sk":         &types.AttributeValueMemberS{Value: "VIDEO"},
		"video_id":   &types.AttributeValueMemberS{Value: v.ID},
		"file_url":   &types.AttributeValueMemberS{Value: v.FileURL},
		"updated_at": &types.AttributeValueMemberS{Value: v.UpdatedAt},
	}

	if _, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(r.tableName), Item: item}},
			{Put: &types.Put{TableName: aws.String(r.tableName), Item: latestItem}},
		},
	}); err != nil {
		return fmt.Errorf("%w: save video: %w", models.ErrPersistence, err)
	}

	return nil
}

// GetVideo retrieves a video record by ID.
func (r *VideoRepository) GetVideo(ctx context.Context, videoID string) (*models.VideoRecord, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       videoKey(videoID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	if result.Item == nil {
		return nil, models.ErrVideoNotFound
	}

	var video models.VideoRecord
	if err := attributevalue.UnmarshalMap(result.Item, &video); err != nil {
		return nil, fmt.Errorf("failed to unmarshal video: %w", err)
	}

	return &video, nil
}

// MarkFailed moves a record to the failed state with a message.
func (r *VideoRepository) MarkFailed(ctx context.Context, videoID, errorMessage string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              videoKey(videoID),
		UpdateExpression: aws.String("SET #status = :status, updated_at = :updated_at, error_message = :error"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":     &types.AttributeValueMemberS{Value: string(models.StatusFailed)},
			":updated_at": &types.AttributeValueMemberS{Value: r.timestamp()},
			":error":      &types.AttributeValueMemberS{Value: errorMessage},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: mark failed: %w", models.ErrPersistence, err)
	}

	return nil
}

// IncrementViewCount adds one view and returns the new count.
func (r *VideoRepository) IncrementViewCount(ctx context.Context, videoID string) (int64, error) {
	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              videoKey(videoID),
		UpdateExpression: aws.String("ADD view_count :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
		ReturnValues:        types.ReturnValueUpdatedNew,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return 0, models.ErrVideoNotFound
		}
		return 0, fmt.Errorf("failed to increment view count: %w", err)
	}

	n, ok := out.Attributes["view_count"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, nil
	}
	count, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid view_count %q: %w", n.Value, err)
	}
	return count, nil
}

// GetLatestVideo retrieves the most recently processed video.
func (r *VideoRepository) GetLatestVideo(ctx context.Context) (*models.VideoRecord, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: "LATEST"},
			"sk": &types.AttributeValueMemberS{Value: "VIDEO"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get latest video pointer: %w", err)
	}

	if result.Item == nil {
		return nil, models.ErrVideoNotFound
	}

	videoIDVal, ok := result.Item["video_id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, models.ErrVideoNotFound
	}

	return r.GetVideo(ctx, videoIDVal.Value)
}

// ListVideosByUser returns a user's videos newest first.
func (r *VideoRepository) ListVideosByUser(ctx context.Context, userID string, limit int32, startKey map[string]types.AttributeValue) ([]models.VideoRecord, map[string]types.AttributeValue, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("gsi1pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "USER#" + userID},
		},
		ScanIndexForward:  aws.Bool(false),
		Limit:             aws.Int32(limit),
		ExclusiveStartKey: startKey,
	}

	result, err := r.client.Query(ctx, input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list videos: %w", err)
	}

	var videos []models.VideoRecord
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &videos); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal videos: %w", err)
	}

	return videos, result.LastEvaluatedKey, nil
}
