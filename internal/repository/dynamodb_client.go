package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"wechat-relay/internal/domain"
)

const (
	skBinding     = "BINDING"
	skAccessToken = "ACCESS_TOKEN"
	skLockPrefix  = "LOCK#"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoClient.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoClient keeps bindings, the platform access token and the refresh
// lock in one table keyed by PK/SK. Expired rows carry a ttl attribute so
// the table's TTL setting can reap them.
type DynamoClient struct {
	api       dynamodbAPI
	tableName string
	appID     string
	now       func() time.Time
	newOwner  func() string
}

// New creates a DynamoClient. appID scopes the token and lock rows so
// several official accounts can share a table.
func New(api dynamodbAPI, tableName, appID string) (*DynamoClient, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if strings.TrimSpace(appID) == "" {
		return nil, errors.New("repository: app id must not be empty")
	}
	return &DynamoClient{
		api:       api,
		tableName: tableName,
		appID:     appID,
		now:       time.Now,
		newOwner:  uuid.NewString,
	}, nil
}

func userPK(openID string) string {
	return "USER#" + openID
}

func (c *DynamoClient) platformPK() string {
	return "PLATFORM#" + c.appID
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func (c *DynamoClient) GetBinding(ctx context.Context, openID string) (domain.Binding, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(userPK(openID), skBinding),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Binding{}, false, fmt.Errorf("repository: GetBinding get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Binding{}, false, nil
	}
	b, err := itemToBinding(openID, out.Item)
	if err != nil {
		return domain.Binding{}, false, fmt.Errorf("repository: GetBinding decode: %w", err)
	}
	return b, true, nil
}

// PutBinding writes or replaces the binding of b.OpenID.
func (c *DynamoClient) PutBinding(ctx context.Context, b domain.Binding) error {
	if b.OpenID == "" {
		return errors.New("repository: PutBinding: openid is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      bindingItem(b),
	})
	if err != nil {
		return fmt.Errorf("repository: PutBinding: %w", err)
	}
	return nil
}

func (c *DynamoClient) DeleteBinding(ctx context.Context, openID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(userPK(openID), skBinding),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteBinding: %w", err)
	}
	return nil
}

// GetAccessToken returns the cached token. Rows past their expiry are
// reported as missing since TTL deletion is not immediate.
func (c *DynamoClient) GetAccessToken(ctx context.Context) (domain.AccessToken, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(c.platformPK(), skAccessToken),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.AccessToken{}, false, fmt.Errorf("repository: GetAccessToken get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.AccessToken{}, false, nil
	}
	value, err := strAttr(out.Item, "value")
	if err != nil {
		return domain.AccessToken{}, false, fmt.Errorf("repository: GetAccessToken decode: %w", err)
	}
	expiresMS, err := int64Attr(out.Item, "expiresAt")
	if err != nil {
		return domain.AccessToken{}, false, fmt.Errorf("repository: GetAccessToken decode: %w", err)
	}
	tok := domain.AccessToken{Value: value, ExpiresAt: time.UnixMilli(expiresMS)}
	if !c.now().Before(tok.ExpiresAt) {
		return domain.AccessToken{}, false, nil
	}
	return tok, true, nil
}

func (c *DynamoClient) PutAccessToken(ctx context.Context, tok domain.AccessToken, ttl time.Duration) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: c.platformPK()},
			"SK":        &types.AttributeValueMemberS{Value: skAccessToken},
			"value":     &types.AttributeValueMemberS{Value: tok.Value},
			"expiresAt": numberAttr(tok.ExpiresAt.UnixMilli()),
			"ttl":       numberAttr(c.now().Add(ttl).Unix()),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutAccessToken: %w", err)
	}
	return nil
}

func (c *DynamoClient) DeleteAccessToken(ctx context.Context) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(c.platformPK(), skAccessToken),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteAccessToken: %w", err)
	}
	return nil
}

// AcquireLock takes the named lock when it is free or its holder's lease has
// run out. acquired is false, with a nil error, when someone else holds it.
func (c *DynamoClient) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	owner := c.newOwner()
	now := c.now()
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: c.platformPK()},
			"SK":        &types.AttributeValueMemberS{Value: skLockPrefix + name},
			"owner":     &types.AttributeValueMemberS{Value: owner},
			"expiresAt": numberAttr(now.Add(ttl).UnixMilli()),
			"ttl":       numberAttr(now.Add(ttl).Unix() + 60),
		},
		ConditionExpression:      aws.String("attribute_not_exists(PK) OR #exp < :now"),
		ExpressionAttributeNames: map[string]string{"#exp": "expiresAt"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": numberAttr(now.UnixMilli()),
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("repository: AcquireLock %s: %w", name, err)
	}
	return owner, true, nil
}

// ReleaseLock deletes the lock only while owner still holds it. A lease that
// expired and was taken over is left alone.
func (c *DynamoClient) ReleaseLock(ctx context.Context, name, owner string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      key(c.platformPK(), skLockPrefix+name),
		ConditionExpression:      aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{"#owner": "owner"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return fmt.Errorf("repository: ReleaseLock %s: %w", name, err)
	}
	return nil
}

func bindingItem(b domain.Binding) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userPK(b.OpenID)},
		"SK":        &types.AttributeValueMemberS{Value: skBinding},
		"openid":    &types.AttributeValueMemberS{Value: b.OpenID},
		"endpoint":  &types.AttributeValueMemberS{Value: b.Endpoint},
		"token":     &types.AttributeValueMemberS{Value: b.Token},
		"createdAt": &types.AttributeValueMemberS{Value: b.CreatedAt.UTC().Format(time.RFC3339)},
	}
}

func itemToBinding(openID string, item map[string]types.AttributeValue) (domain.Binding, error) {
	endpoint, err := strAttr(item, "endpoint")
	if err != nil {
		return domain.Binding{}, err
	}
	token, err := strAttr(item, "token")
	if err != nil {
		return domain.Binding{}, err
	}
	b := domain.Binding{OpenID: openID, Endpoint: endpoint, Token: token}
	if raw, _ := strAttr(item, "createdAt"); raw != "" { // allow empty
		created, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.Binding{}, fmt.Errorf("repository: parse attribute %q: %w", "createdAt", err)
		}
		b.CreatedAt = created
	}
	return b, nil
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
