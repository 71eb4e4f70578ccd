package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/mealgram/mealgram/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrSessionNotFound covers every fail-closed case: no row for the user, or a
// presented refresh token that no longer matches the stored one.
var ErrSessionNotFound = errors.New("session not found")

// SessionRepository keeps exactly one refresh-token row per user, keyed
// SESSION#<userID>. A PutItem therefore always supersedes the previous
// session, and rotation is a conditional update on the stored token value so
// two racing refreshes can never both succeed.
type SessionRepository struct {
	client    *dynamodb.Client
	tableName string
	logger    *logrus.Logger
}

func NewSessionRepository(client *dynamodb.Client, tableName string, logger *logrus.Logger) *SessionRepository {
	return &SessionRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

// Put stores the session row, overwriting any existing session for the user.
func (r *SessionRepository) Put(ctx context.Context, rec models.SessionRecord) error {
	ttl := rec.ExpiresAt.Unix()

	item := map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: "SESSION#" + rec.UserID},
		"SK":         &types.AttributeValueMemberS{Value: "METADATA"},
		"user_id":    &types.AttributeValueMemberS{Value: rec.UserID},
		"token":      &types.AttributeValueMemberS{Value: rec.Token},
		"created_at": &types.AttributeValueMemberS{Value: rec.CreatedAt.Format(time.RFC3339)},
		"expires_at": &types.AttributeValueMemberS{Value: rec.ExpiresAt.Format(time.RFC3339)},
		"TTL":        &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttl)},
	}

	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})

	if err != nil {
		r.logger.WithError(err).Error("Failed to store session in DynamoDB")
		return fmt.Errorf("failed to store session: %w", err)
	}

	return nil
}

func (r *SessionRepository) Get(ctx context.Context, userID string) (*models.SessionRecord, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "SESSION#" + userID},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
	})

	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if result.Item == nil {
		return nil, ErrSessionNotFound
	}

	var rec models.SessionRecord
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &rec, nil
}

// Swap replaces the stored refresh token with next, but only if the row still
// holds presented. A lost race or a reused token fails the condition and is
// reported as ErrSessionNotFound.
func (r *SessionRepository) Swap(ctx context.Context, userID, presented, next string, expiresAt time.Time) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "SESSION#" + userID},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
		UpdateExpression:    aws.String("SET #token = :next, expires_at = :expires_at, #ttl = :ttl, created_at = :created_at"),
		ConditionExpression: aws.String("#token = :presented"),
		ExpressionAttributeNames: map[string]string{
			"#token": "token",
			"#ttl":   "TTL",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":presented":  &types.AttributeValueMemberS{Value: presented},
			":next":       &types.AttributeValueMemberS{Value: next},
			":expires_at": &types.AttributeValueMemberS{Value: expiresAt.Format(time.RFC3339)},
			":created_at": &types.AttributeValueMemberS{Value: time.Now().Format(time.RFC3339)},
			":ttl":        &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expiresAt.Unix())},
		},
	})

	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return ErrSessionNotFound
		}
		r.logger.WithError(err).Error("Failed to rotate session in DynamoDB")
		return fmt.Errorf("failed to rotate session: %w", err)
	}

	return nil
}

// Delete removes the user's session row. Deleting an absent row is not an error.
func (r *SessionRepository) Delete(ctx context.Context, userID string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "SESSION#" + userID},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
	})

	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return nil
}
