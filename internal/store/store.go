// Package store is the DynamoDB repository for the domain records webhook
// handlers mutate: subscriptions, ticket orders and e-mail suppressions.
//
// Single-table layout, keyed by the external identifier each event carries:
//
//	SUBSCRIPTION#<checkoutSessionID> / META#   subscription record
//	STRIPESUB#<subscriptionID>       / META#   alias → checkout session id
//	ORDER#<orderCode>                / META#   ticket order record
//	EMAIL#<address>                  / META#   delivery suppression record
//
// A given external identifier maps to at most one record. All writes are
// conditional, so concurrent deliveries for the same identifier serialize at
// the storage layer; there is no in-process locking.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/confplat/event-service-core/internal/event"
)

// Key prefixes for single-table design
const (
	PKPrefixSubscription = "SUBSCRIPTION#"
	PKPrefixStripeSub    = "STRIPESUB#"
	PKPrefixOrder        = "ORDER#"
	PKPrefixEmail        = "EMAIL#"
	SKMeta               = "META#"
)

// Subscription lifecycle states.
const (
	SubscriptionPending  = "pending"
	SubscriptionActive   = "active"
	SubscriptionCanceled = "canceled"
)

// Order lifecycle states.
const (
	OrderPending  = "pending"
	OrderPaid     = "paid"
	OrderCanceled = "canceled"
)

// DynamoDBAPI defines the interface for the DynamoDB operations the store uses
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client wraps DynamoDB operations with OTel tracing
type Client struct {
	ddb       DynamoDBAPI
	tableName string
}

// NewClient creates a new DynamoDB-backed store with OTel instrumentation
func NewClient(ctx context.Context, tableName string) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Add OTel instrumentation for X-Ray tracing
	otelaws.AppendMiddlewares(&cfg.APIOptions)

	return &Client{
		ddb:       dynamodb.NewFromConfig(cfg),
		tableName: tableName,
	}, nil
}

// NewClientWithAPI creates a store from an existing DynamoDB client.
func NewClientWithAPI(api DynamoDBAPI, tableName string) *Client {
	return &Client{ddb: api, tableName: tableName}
}

// Subscription is an association subscription record. The checkout session id
// is the primary external identifier; the payment provider's subscription id
// is attached on activation and resolvable through an alias item.
type Subscription struct {
	PK                   string `dynamodbav:"pk"`
	SK                   string `dynamodbav:"sk"`
	SessionID            string `dynamodbav:"sessionId"`
	State                string `dynamodbav:"state"`
	StripeCustomerID     string `dynamodbav:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string `dynamodbav:"stripeSubscriptionId,omitempty"`
	PriceID              string `dynamodbav:"priceId,omitempty"`
	LastInvoiceID        string `dynamodbav:"lastInvoiceId,omitempty"`
	LastPaidAt           string `dynamodbav:"lastPaidAt,omitempty"`
	CreatedAt            string `dynamodbav:"createdAt"`
	UpdatedAt            string `dynamodbav:"updatedAt"`
}

// Order is a ticket-shop order record keyed by order code.
type Order struct {
	PK        string `dynamodbav:"pk"`
	SK        string `dynamodbav:"sk"`
	Code      string `dynamodbav:"code"`
	ShopEvent string `dynamodbav:"shopEvent,omitempty"`
	State     string `dynamodbav:"state"`
	CreatedAt string `dynamodbav:"createdAt"`
	UpdatedAt string `dynamodbav:"updatedAt"`
}

// subscriptionAlias maps a provider subscription id back to the session id.
type subscriptionAlias struct {
	PK        string `dynamodbav:"pk"`
	SK        string `dynamodbav:"sk"`
	SessionID string `dynamodbav:"sessionId"`
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (c *Client) key(pk string) (map[string]types.AttributeValue, error) {
	key, err := attributevalue.MarshalMap(map[string]string{
		"pk": pk,
		"sk": SKMeta,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}
	return key, nil
}

func (c *Client) getItem(ctx context.Context, pk string, out any) error {
	key, err := c.key(pk)
	if err != nil {
		return err
	}

	output, err := c.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return err
	}
	if output.Item == nil {
		return fmt.Errorf("%s: %w", pk, event.ErrNotFound)
	}

	if err := attributevalue.UnmarshalMap(output.Item, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", pk, err)
	}
	return nil
}

// CreatePendingSubscription creates the draft subscription record when a
// checkout session is opened. Re-creating an existing session is a no-op.
func (c *Client) CreatePendingSubscription(ctx context.Context, sessionID string) error {
	now := nowRFC3339()
	sub := Subscription{
		PK:        PKPrefixSubscription + sessionID,
		SK:        SKMeta,
		SessionID: sessionID,
		State:     SubscriptionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	av, err := attributevalue.MarshalMap(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	_, err = c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if isConditionalCheckFailed(err) {
		// Record already exists, this is OK (idempotent)
		return nil
	}
	return err
}

// GetSubscriptionBySession looks up a subscription by checkout session id.
func (c *Client) GetSubscriptionBySession(ctx context.Context, sessionID string) (*Subscription, error) {
	var sub Subscription
	if err := c.getItem(ctx, PKPrefixSubscription+sessionID, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetSubscriptionByStripeID resolves the alias for a provider subscription id
// and returns the subscription record.
func (c *Client) GetSubscriptionByStripeID(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var alias subscriptionAlias
	if err := c.getItem(ctx, PKPrefixStripeSub+subscriptionID, &alias); err != nil {
		return nil, err
	}
	return c.GetSubscriptionBySession(ctx, alias.SessionID)
}

// ActivateSubscription applies the pending → active transition when checkout
// completes, attaching the provider's customer and subscription ids. Applying
// the same event again is a no-op; activating a canceled subscription is a
// state conflict. The alias item for subscription-id lookups is written as a
// side effect.
func (c *Client) ActivateSubscription(ctx context.Context, sessionID, customerID, subscriptionID string) error {
	sub, err := c.GetSubscriptionBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sub.State == SubscriptionCanceled {
		return fmt.Errorf("subscription %s is canceled: %w", sessionID, event.ErrStateConflict)
	}
	if sub.State == SubscriptionActive && sub.StripeSubscriptionID == subscriptionID {
		// Redelivered checkout event, nothing to apply.
		return c.putSubscriptionAlias(ctx, subscriptionID, sessionID)
	}

	update := expression.Set(
		expression.Name("state"), expression.Value(SubscriptionActive),
	).Set(
		expression.Name("stripeCustomerId"), expression.Value(customerID),
	).Set(
		expression.Name("stripeSubscriptionId"), expression.Value(subscriptionID),
	).Set(
		expression.Name("updatedAt"), expression.Value(nowRFC3339()),
	)
	// Guard against a concurrent cancellation between the read and the write.
	cond := expression.Name("state").NotEqual(expression.Value(SubscriptionCanceled))

	if err := c.updateItem(ctx, PKPrefixSubscription+sessionID, update, &cond); err != nil {
		if isConditionalCheckFailed(err) {
			return fmt.Errorf("subscription %s is canceled: %w", sessionID, event.ErrStateConflict)
		}
		return err
	}

	return c.putSubscriptionAlias(ctx, subscriptionID, sessionID)
}

func (c *Client) putSubscriptionAlias(ctx context.Context, subscriptionID, sessionID string) error {
	av, err := attributevalue.MarshalMap(subscriptionAlias{
		PK:        PKPrefixStripeSub + subscriptionID,
		SK:        SKMeta,
		SessionID: sessionID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal subscription alias: %w", err)
	}

	_, err = c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if isConditionalCheckFailed(err) {
		// Alias already written by an earlier delivery.
		return nil
	}
	return err
}

// CancelSubscription applies the → canceled transition for a provider
// subscription id. Canceling an already-canceled subscription is a no-op;
// an unknown subscription id is ErrNotFound, never a create.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	var alias subscriptionAlias
	if err := c.getItem(ctx, PKPrefixStripeSub+subscriptionID, &alias); err != nil {
		return err
	}

	update := expression.Set(
		expression.Name("state"), expression.Value(SubscriptionCanceled),
	).Set(
		expression.Name("updatedAt"), expression.Value(nowRFC3339()),
	)

	if err := c.updateItem(ctx, PKPrefixSubscription+alias.SessionID, update, nil); err != nil {
		if isConditionalCheckFailed(err) {
			return fmt.Errorf("subscription %s: %w", subscriptionID, event.ErrNotFound)
		}
		return err
	}
	return nil
}

// UpdateSubscriptionPlan records a plan change for an existing subscription.
func (c *Client) UpdateSubscriptionPlan(ctx context.Context, subscriptionID, priceID string) error {
	var alias subscriptionAlias
	if err := c.getItem(ctx, PKPrefixStripeSub+subscriptionID, &alias); err != nil {
		return err
	}

	update := expression.Set(
		expression.Name("priceId"), expression.Value(priceID),
	).Set(
		expression.Name("updatedAt"), expression.Value(nowRFC3339()),
	)

	if err := c.updateItem(ctx, PKPrefixSubscription+alias.SessionID, update, nil); err != nil {
		if isConditionalCheckFailed(err) {
			return fmt.Errorf("subscription %s: %w", subscriptionID, event.ErrNotFound)
		}
		return err
	}
	return nil
}

// RecordSubscriptionPayment notes the latest paid invoice on the
// subscription. Re-recording the same invoice is a no-op.
func (c *Client) RecordSubscriptionPayment(ctx context.Context, subscriptionID, invoiceID string) error {
	var alias subscriptionAlias
	if err := c.getItem(ctx, PKPrefixStripeSub+subscriptionID, &alias); err != nil {
		return err
	}

	update := expression.Set(
		expression.Name("lastInvoiceId"), expression.Value(invoiceID),
	).Set(
		expression.Name("lastPaidAt"), expression.Value(nowRFC3339()),
	)

	if err := c.updateItem(ctx, PKPrefixSubscription+alias.SessionID, update, nil); err != nil {
		if isConditionalCheckFailed(err) {
			return fmt.Errorf("subscription %s: %w", subscriptionID, event.ErrNotFound)
		}
		return err
	}
	return nil
}

// CreateOrder creates an order record on first sight of an order code.
// An existing order code is a no-op, not an error.
func (c *Client) CreateOrder(ctx context.Context, code, shopEvent string) error {
	now := nowRFC3339()
	order := Order{
		PK:        PKPrefixOrder + code,
		SK:        SKMeta,
		Code:      code,
		ShopEvent: shopEvent,
		State:     OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	av, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	_, err = c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if isConditionalCheckFailed(err) {
		return nil
	}
	return err
}

// GetOrder looks up an order by code.
func (c *Client) GetOrder(ctx context.Context, code string) (*Order, error) {
	var order Order
	if err := c.getItem(ctx, PKPrefixOrder+code, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// MarkOrderPaid applies the pending → paid transition. Re-applying on a paid
// order is a no-op; paying a canceled order is a state conflict; an unknown
// order code is ErrNotFound.
func (c *Client) MarkOrderPaid(ctx context.Context, code string) error {
	order, err := c.GetOrder(ctx, code)
	if err != nil {
		return err
	}
	if order.State == OrderCanceled {
		return fmt.Errorf("order %s is canceled: %w", code, event.ErrStateConflict)
	}
	if order.State == OrderPaid {
		return nil
	}

	update := expression.Set(
		expression.Name("state"), expression.Value(OrderPaid),
	).Set(
		expression.Name("updatedAt"), expression.Value(nowRFC3339()),
	)
	// pending or paid: a concurrent duplicate delivery must not conflict.
	cond := expression.Name("state").In(
		expression.Value(OrderPending), expression.Value(OrderPaid),
	)

	if err := c.updateItem(ctx, PKPrefixOrder+code, update, &cond); err != nil {
		if isConditionalCheckFailed(err) {
			return fmt.Errorf("order %s is canceled: %w", code, event.ErrStateConflict)
		}
		return err
	}
	return nil
}

// CancelOrder applies the → canceled transition. Paid orders may be canceled
// (refund flow); an unknown order code is ErrNotFound.
func (c *Client) CancelOrder(ctx context.Context, code string) error {
	if _, err := c.GetOrder(ctx, code); err != nil {
		return err
	}

	update := expression.Set(
		expression.Name("state"), expression.Value(OrderCanceled),
	).Set(
		expression.Name("updatedAt"), expression.Value(nowRFC3339()),
	)

	if err := c.updateItem(ctx, PKPrefixOrder+code, update, nil); err != nil {
		if isConditionalCheckFailed(err) {
			return fmt.Errorf("order %s: %w", code, event.ErrNotFound)
		}
		return err
	}
	return nil
}

// UpsertByExternalID is the shared at-most-once-effect primitive: create the
// record for an external identifier if absent, update it in place otherwise.
// createdAt is set only on creation; updatedAt and the given attributes are
// always set. Every handler that upserts goes through this so the idempotency
// guarantee lives in one place.
func (c *Client) UpsertByExternalID(ctx context.Context, pkPrefix, externalID string, attrs map[string]any) error {
	now := nowRFC3339()

	update := expression.Set(
		expression.Name("createdAt"),
		expression.IfNotExists(expression.Name("createdAt"), expression.Value(now)),
	).Set(
		expression.Name("updatedAt"), expression.Value(now),
	)
	for name, value := range attrs {
		update = update.Set(expression.Name(name), expression.Value(value))
	}

	key, err := c.key(pkPrefix + externalID)
	if err != nil {
		return err
	}

	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = c.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	return err
}

// UpsertSuppression records that delivery to an address bounced or was
// complained about. Repeated bounces for the same address update in place.
func (c *Client) UpsertSuppression(ctx context.Context, address, reason string) error {
	return c.UpsertByExternalID(ctx, PKPrefixEmail, address, map[string]any{
		"address": address,
		"reason":  reason,
	})
}

// updateItem runs an UpdateItem with the expression builder. Updates always
// require the record to exist (extended by cond when given), so transition
// updates never create records.
func (c *Client) updateItem(ctx context.Context, pk string, update expression.UpdateBuilder, cond *expression.ConditionBuilder) error {
	key, err := c.key(pk)
	if err != nil {
		return err
	}

	condition := expression.AttributeExists(expression.Name("pk"))
	if cond != nil {
		condition = condition.And(*cond)
	}

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(condition).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = c.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	return err
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
