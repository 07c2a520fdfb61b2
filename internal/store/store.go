package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"meshshare/internal/models"
	"meshshare/internal/utils/logger"
)

// DynamoAPI is the slice of the DynamoDB client the store uses.
type DynamoAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

var _ DynamoAPI = (*dynamodb.Client)(nil)

const (
	defaultPageSize = 50

	waitAttempts = 30
	waitInterval = 2 * time.Second
)

// Store is the durable, indexed persistence layer for subscription records,
// backed by a DynamoDB table with owner and subscriber secondary indexes and
// a change stream capturing old and new images.
type Store struct {
	client    DynamoAPI
	table     string
	endpoints models.Endpoints
	log       *logger.Logger
}

// New builds a store from an externally supplied AWS config and provisions
// the backing table if it does not exist yet.
func New(ctx context.Context, cfg aws.Config, tableName string) (*Store, error) {
	return NewWithClient(ctx, dynamodb.NewFromConfig(cfg), tableName)
}

func NewWithClient(ctx context.Context, client DynamoAPI, tableName string) (*Store, error) {
	s := &Store{
		client: client,
		table:  tableName,
		log:    logger.New("subscription_store"),
	}

	if err := s.provision(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) OwnerIndexName() string {
	return fmt.Sprintf("%s-%s", s.table, "Owner")
}

func (s *Store) SubscriberIndexName() string {
	return fmt.Sprintf("%s-%s", s.table, "Subscriber")
}

// Endpoints returns the table and change-stream identifiers.
func (s *Store) Endpoints() models.Endpoints {
	return s.endpoints
}

// provision makes sure the backing table exists and is ready. Creation is
// idempotent across processes: the loser of a creation race observes the
// table already exists and reuses it.
func (s *Store) provision(ctx context.Context) error {
	desc, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err != nil {
		var notFound *ddbtypes.ResourceNotFoundException
		if !errors.As(err, &notFound) {
			return &models.StoreUnavailableError{Op: "describe table", Err: err}
		}

		s.log.Info("Table %s not found, creating it...", s.table)
		if _, err := s.client.CreateTable(ctx, s.createTableInput()); err != nil {
			var inUse *ddbtypes.ResourceInUseException
			if !errors.As(err, &inUse) {
				return &models.StoreUnavailableError{Op: "create table", Err: err}
			}
			s.log.Warn("Table %s is already being created by another process, reusing it", s.table)
		}

		desc, err = s.waitActive(ctx)
		if err != nil {
			return err
		}
	} else if desc.Table.TableStatus != ddbtypes.TableStatusActive {
		desc, err = s.waitActive(ctx)
		if err != nil {
			return err
		}
	}

	s.endpoints = models.Endpoints{
		TableArn:  aws.ToString(desc.Table.TableArn),
		StreamArn: aws.ToString(desc.Table.LatestStreamArn),
	}

	s.log.Success("Table %s is ready", s.table)
	return nil
}

func (s *Store) createTableInput() *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []ddbtypes.AttributeDefinition{
			{AttributeName: aws.String(models.AttrSubscriptionID), AttributeType: ddbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String(models.AttrSubscriberPrincipal), AttributeType: ddbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String(models.AttrOwnerPrincipal), AttributeType: ddbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String(models.AttrStatus), AttributeType: ddbtypes.ScalarAttributeTypeS},
		},
		KeySchema: []ddbtypes.KeySchemaElement{
			{AttributeName: aws.String(models.AttrSubscriptionID), KeyType: ddbtypes.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []ddbtypes.GlobalSecondaryIndex{
			{
				IndexName: aws.String(s.OwnerIndexName()),
				KeySchema: []ddbtypes.KeySchemaElement{
					{AttributeName: aws.String(models.AttrOwnerPrincipal), KeyType: ddbtypes.KeyTypeHash},
					{AttributeName: aws.String(models.AttrStatus), KeyType: ddbtypes.KeyTypeRange},
				},
				Projection: &ddbtypes.Projection{
					ProjectionType: ddbtypes.ProjectionTypeInclude,
					NonKeyAttributes: []string{
						models.AttrDatabaseName, models.AttrTableName,
					},
				},
			},
			{
				IndexName: aws.String(s.SubscriberIndexName()),
				KeySchema: []ddbtypes.KeySchemaElement{
					{AttributeName: aws.String(models.AttrSubscriberPrincipal), KeyType: ddbtypes.KeyTypeHash},
				},
				Projection: &ddbtypes.Projection{
					ProjectionType: ddbtypes.ProjectionTypeAll,
				},
			},
		},
		BillingMode: ddbtypes.BillingModePayPerRequest,
		StreamSpecification: &ddbtypes.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: ddbtypes.StreamViewTypeNewAndOldImages,
		},
		Tags: []ddbtypes.Tag{
			{Key: aws.String("Solution"), Value: aws.String("MeshShare")},
		},
	}
}

func (s *Store) waitActive(ctx context.Context) (*dynamodb.DescribeTableOutput, error) {
	for attempt := 1; attempt <= waitAttempts; attempt++ {
		desc, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(s.table),
		})
		if err == nil && desc.Table.TableStatus == ddbtypes.TableStatusActive {
			return desc, nil
		}
		if err != nil {
			var notFound *ddbtypes.ResourceNotFoundException
			if !errors.As(err, &notFound) {
				return nil, &models.StoreUnavailableError{Op: "describe table", Err: err}
			}
		}

		s.log.Debug("Waiting for table %s to become active (attempt %d/%d)", s.table, attempt, waitAttempts)
		select {
		case <-ctx.Done():
			return nil, &models.StoreUnavailableError{Op: "wait for table", Err: ctx.Err()}
		case <-time.After(waitInterval):
		}
	}

	return nil, &models.StoreUnavailableError{
		Op:  "wait for table",
		Err: fmt.Errorf("table %s did not become active after %d attempts", s.table, waitAttempts),
	}
}

func (s *Store) key(id string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		models.AttrSubscriptionID: &ddbtypes.AttributeValueMemberS{Value: id},
	}
}

// Put persists a subscription record.
func (s *Store) Put(ctx context.Context, sub *models.Subscription) error {
	item, err := attributevalue.MarshalMap(sub)
	if err != nil {
		return &models.StoreUnavailableError{Op: "marshal record", Err: err}
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return &models.StoreUnavailableError{Op: "put record", Err: err}
	}

	return nil
}

// Get reads a subscription by primary key. Reads are strongly consistent so a
// caller never observes a stale status right after its own transition.
// Returns nil without error when the record is absent.
func (s *Store) Get(ctx context.Context, id string) (*models.Subscription, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, &models.StoreUnavailableError{Op: "get record", Err: err}
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var sub models.Subscription
	if err := attributevalue.UnmarshalMap(out.Item, &sub); err != nil {
		return nil, &models.StoreUnavailableError{Op: "unmarshal record", Err: err}
	}

	return &sub, nil
}

// QuerySubscriber lists subscriptions requested by a subscriber via the
// subscriber index, excluding soft-deleted records. Eventually consistent.
func (s *Store) QuerySubscriber(ctx context.Context, subscriberID, pageToken string, limit int32) ([]models.Subscription, string, error) {
	keyCond := expression.Key(models.AttrSubscriberPrincipal).Equal(expression.Value(subscriberID))
	filter := expression.Name(models.AttrStatus).NotEqual(expression.Value(string(models.StatusDeleted)))

	expr, err := expression.NewBuilder().
		WithKeyCondition(keyCond).
		WithFilter(filter).
		Build()
	if err != nil {
		return nil, "", &models.StoreUnavailableError{Op: "build subscriber query", Err: err}
	}

	startKey, err := decodePageToken(pageToken)
	if err != nil {
		return nil, "", err
	}

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(s.SubscriberIndexName()),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ExclusiveStartKey:         startKey,
		Limit:                     pageLimit(limit),
	})
	if err != nil {
		return nil, "", &models.StoreUnavailableError{Op: "query subscriber index", Err: err}
	}

	return s.page(out.Items, out.LastEvaluatedKey)
}

// QueryOwner lists subscriptions for an exact (owner, status) pair via the
// owner index. Eventually consistent.
func (s *Store) QueryOwner(ctx context.Context, ownerID string, status models.Status, pageToken string, limit int32) ([]models.Subscription, string, error) {
	keyCond := expression.Key(models.AttrOwnerPrincipal).Equal(expression.Value(ownerID)).
		And(expression.Key(models.AttrStatus).Equal(expression.Value(string(status))))

	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, "", &models.StoreUnavailableError{Op: "build owner query", Err: err}
	}

	startKey, err := decodePageToken(pageToken)
	if err != nil {
		return nil, "", err
	}

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(s.OwnerIndexName()),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ExclusiveStartKey:         startKey,
		Limit:                     pageLimit(limit),
	})
	if err != nil {
		return nil, "", &models.StoreUnavailableError{Op: "query owner index", Err: err}
	}

	return s.page(out.Items, out.LastEvaluatedKey)
}

// ScanFiltered walks the whole table with a conjunctive filter over whichever
// filter fields are set, always excluding soft-deleted records. Multiple
// tables or grants within one field are OR'ed together.
func (s *Store) ScanFiltered(ctx context.Context, f models.ListFilter) ([]models.Subscription, string, error) {
	filter := expression.Name(models.AttrStatus).NotEqual(expression.Value(string(models.StatusDeleted)))

	if f.OwnerPrincipal != "" {
		filter = filter.And(expression.Name(models.AttrOwnerPrincipal).Equal(expression.Value(f.OwnerPrincipal)))
	}
	if f.SubscriberPrincipal != "" {
		filter = filter.And(expression.Name(models.AttrSubscriberPrincipal).Equal(expression.Value(f.SubscriberPrincipal)))
	}
	if f.DatabaseName != "" {
		filter = filter.And(expression.Name(models.AttrDatabaseName).Equal(expression.Value(f.DatabaseName)))
	}
	if f.Status != "" {
		filter = filter.And(expression.Name(models.AttrStatus).Equal(expression.Value(string(f.Status))))
	}
	if len(f.Tables) > 0 {
		clause := expression.Name(models.AttrTableName).Equal(expression.Value(f.Tables[0]))
		for _, table := range f.Tables[1:] {
			clause = clause.Or(expression.Name(models.AttrTableName).Equal(expression.Value(table)))
		}
		filter = filter.And(clause)
	}
	if len(f.IncludesGrants) > 0 {
		clause := expression.Name(models.AttrRequestedGrants).Contains(f.IncludesGrants[0])
		for _, grant := range f.IncludesGrants[1:] {
			clause = clause.Or(expression.Name(models.AttrRequestedGrants).Contains(grant))
		}
		filter = filter.And(clause)
	}

	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, "", &models.StoreUnavailableError{Op: "build scan filter", Err: err}
	}

	startKey, err := decodePageToken(f.PageToken)
	if err != nil {
		return nil, "", err
	}

	out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(s.table),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ExclusiveStartKey:         startKey,
		Limit:                     pageLimit(f.Limit),
	})
	if err != nil {
		return nil, "", &models.StoreUnavailableError{Op: "scan records", Err: err}
	}

	return s.page(out.Items, out.LastEvaluatedKey)
}

// FindExisting probes the subscriber index for a live subscription by the same
// subscriber on the same object. Returns the id only when exactly one match
// exists. An empty tableName matches a database-level dedup probe.
func (s *Store) FindExisting(ctx context.Context, subscriberID, databaseName, tableName string) (string, error) {
	keyCond := expression.Key(models.AttrSubscriberPrincipal).Equal(expression.Value(subscriberID))
	filter := expression.Name(models.AttrDatabaseName).Equal(expression.Value(databaseName)).
		And(expression.Name(models.AttrStatus).NotEqual(expression.Value(string(models.StatusDeleted))))
	if tableName != "" {
		filter = filter.And(expression.Name(models.AttrTableName).Equal(expression.Value(tableName)))
	}

	expr, err := expression.NewBuilder().
		WithKeyCondition(keyCond).
		WithFilter(filter).
		WithProjection(expression.NamesList(expression.Name(models.AttrSubscriptionID))).
		Build()
	if err != nil {
		return "", &models.StoreUnavailableError{Op: "build dedup query", Err: err}
	}

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(s.SubscriberIndexName()),
		Select:                    ddbtypes.SelectSpecificAttributes,
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return "", &models.StoreUnavailableError{Op: "query existing subscription", Err: err}
	}

	if out.Count != 1 || len(out.Items) != 1 {
		return "", nil
	}

	var match struct {
		SubscriptionID string `dynamodbav:"SubscriptionId"`
	}
	if err := attributevalue.UnmarshalMap(out.Items[0], &match); err != nil {
		return "", &models.StoreUnavailableError{Op: "unmarshal dedup match", Err: err}
	}

	return match.SubscriptionID, nil
}

// ConditionalStatusUpdate applies a status transition as a single atomic
// write. The condition requires the stored status to still be one of
// expectedFrom, so of two racing transitions only one succeeds. When
// permitted is nil, PermittedGrants is copied from the record's own
// RequestedGrants inside the same write. Notes are added to the string set,
// so duplicate note text does not grow it.
func (s *Store) ConditionalStatusUpdate(ctx context.Context, id string, to models.Status, expectedFrom []models.Status, permitted, notes []string, principal string) error {
	if len(expectedFrom) == 0 {
		return &models.InvalidStateTransitionError{SubscriptionID: id, To: to, Reason: "no legal source status"}
	}

	update := expression.Set(expression.Name(models.AttrStatus), expression.Value(string(to))).
		Set(expression.Name(models.AttrUpdatedDate), expression.Value(models.FormatTimeNow())).
		Set(expression.Name(models.AttrUpdatedBy), expression.Value(principal))

	if len(permitted) > 0 {
		update = update.Set(expression.Name(models.AttrPermittedGrants), expression.Value(models.StringSet(permitted)))
	} else {
		update = update.Set(expression.Name(models.AttrPermittedGrants), expression.Name(models.AttrRequestedGrants))
	}

	if len(notes) > 0 {
		update = update.Add(expression.Name(models.AttrNotes), expression.Value(models.StringSet(notes)))
	}

	operands := make([]expression.OperandBuilder, 0, len(expectedFrom)-1)
	for _, from := range expectedFrom[1:] {
		operands = append(operands, expression.Value(string(from)))
	}
	cond := expression.Name(models.AttrSubscriptionID).AttributeExists().
		And(expression.Name(models.AttrStatus).In(expression.Value(string(expectedFrom[0])), operands...))

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return &models.StoreUnavailableError{Op: "build status update", Err: err}
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       s.key(id),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              ddbtypes.ReturnValueAllNew,
	})
	if err != nil {
		var conditionFailed *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return &models.InvalidStateTransitionError{
				SubscriptionID: id,
				To:             to,
				Reason:         "stored status did not match the expected precondition",
			}
		}
		return &models.StoreUnavailableError{Op: "update status", Err: err}
	}

	// a write that modified nothing is a failed transition, not a no-op
	if len(out.Attributes) == 0 {
		return &models.InvalidStateTransitionError{SubscriptionID: id, To: to, Reason: "write had no effect"}
	}

	return nil
}

// UpdateGrants refines PermittedGrants and appends notes without a status
// change. The record must exist; there is no status precondition.
func (s *Store) UpdateGrants(ctx context.Context, id string, permitted, notes []string, principal string) error {
	update := expression.Set(expression.Name(models.AttrPermittedGrants), expression.Value(models.StringSet(permitted))).
		Set(expression.Name(models.AttrUpdatedDate), expression.Value(models.FormatTimeNow())).
		Set(expression.Name(models.AttrUpdatedBy), expression.Value(principal))

	if len(notes) > 0 {
		update = update.Add(expression.Name(models.AttrNotes), expression.Value(models.StringSet(notes)))
	}

	cond := expression.Name(models.AttrSubscriptionID).AttributeExists()

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return &models.StoreUnavailableError{Op: "build grants update", Err: err}
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       s.key(id),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              ddbtypes.ReturnValueAllNew,
	})
	if err != nil {
		var conditionFailed *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return &models.InvalidStateTransitionError{SubscriptionID: id, Reason: "subscription does not exist"}
		}
		return &models.StoreUnavailableError{Op: "update grants", Err: err}
	}

	return nil
}

func (s *Store) page(items []map[string]ddbtypes.AttributeValue, lastKey map[string]ddbtypes.AttributeValue) ([]models.Subscription, string, error) {
	var subs []models.Subscription
	if err := attributevalue.UnmarshalListOfMaps(items, &subs); err != nil {
		return nil, "", &models.StoreUnavailableError{Op: "unmarshal records", Err: err}
	}

	next, err := encodePageToken(lastKey)
	if err != nil {
		return nil, "", err
	}

	return subs, next, nil
}

func pageLimit(limit int32) *int32 {
	if limit <= 0 {
		limit = defaultPageSize
	}
	return aws.Int32(limit)
}
