package store

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshshare/internal/models"
)

type fakeDynamo struct {
	createTable   func(*dynamodb.CreateTableInput) (*dynamodb.CreateTableOutput, error)
	describeTable func(*dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error)
	getItem       func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	putItem       func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	updateItem    func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	query         func(*dynamodb.QueryInput) (*dynamodb.QueryOutput, error)
	scan          func(*dynamodb.ScanInput) (*dynamodb.ScanOutput, error)
}

func (f *fakeDynamo) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	return f.createTable(params)
}

func (f *fakeDynamo) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return f.describeTable(params)
}

func (f *fakeDynamo) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return f.getItem(params)
}

func (f *fakeDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return f.putItem(params)
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return f.updateItem(params)
}

func (f *fakeDynamo) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return f.query(params)
}

func (f *fakeDynamo) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	return f.scan(params)
}

func activeDescription() *dynamodb.DescribeTableOutput {
	return &dynamodb.DescribeTableOutput{
		Table: &ddbtypes.TableDescription{
			TableStatus:     ddbtypes.TableStatusActive,
			TableArn:        aws.String("arn:aws:dynamodb:us-east-1:111122223333:table/mesh-subscriptions"),
			LatestStreamArn: aws.String("arn:aws:dynamodb:us-east-1:111122223333:table/mesh-subscriptions/stream/2026"),
		},
	}
}

func newTestStore(t *testing.T, fake *fakeDynamo) *Store {
	t.Helper()
	if fake.describeTable == nil {
		fake.describeTable = func(*dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
			return activeDescription(), nil
		}
	}
	s, err := NewWithClient(context.Background(), fake, "mesh-subscriptions")
	require.NoError(t, err)
	return s
}

func TestProvisionCreatesMissingTable(t *testing.T) {
	var created *dynamodb.CreateTableInput
	describeCalls := 0

	fake := &fakeDynamo{
		describeTable: func(*dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
			describeCalls++
			if describeCalls == 1 {
				return nil, &ddbtypes.ResourceNotFoundException{}
			}
			return activeDescription(), nil
		},
		createTable: func(in *dynamodb.CreateTableInput) (*dynamodb.CreateTableOutput, error) {
			created = in
			return &dynamodb.CreateTableOutput{}, nil
		},
	}

	s, err := NewWithClient(context.Background(), fake, "mesh-subscriptions")
	require.NoError(t, err)
	require.NotNil(t, created)

	assert.Equal(t, ddbtypes.BillingModePayPerRequest, created.BillingMode)

	require.NotNil(t, created.StreamSpecification)
	assert.True(t, aws.ToBool(created.StreamSpecification.StreamEnabled))
	assert.Equal(t, ddbtypes.StreamViewTypeNewAndOldImages, created.StreamSpecification.StreamViewType)

	require.Len(t, created.KeySchema, 1)
	assert.Equal(t, models.AttrSubscriptionID, aws.ToString(created.KeySchema[0].AttributeName))
	assert.Equal(t, ddbtypes.KeyTypeHash, created.KeySchema[0].KeyType)

	require.Len(t, created.GlobalSecondaryIndexes, 2)
	owner := created.GlobalSecondaryIndexes[0]
	assert.Equal(t, "mesh-subscriptions-Owner", aws.ToString(owner.IndexName))
	require.Len(t, owner.KeySchema, 2)
	assert.Equal(t, models.AttrOwnerPrincipal, aws.ToString(owner.KeySchema[0].AttributeName))
	assert.Equal(t, models.AttrStatus, aws.ToString(owner.KeySchema[1].AttributeName))
	assert.Equal(t, ddbtypes.ProjectionTypeInclude, owner.Projection.ProjectionType)
	assert.ElementsMatch(t, []string{models.AttrDatabaseName, models.AttrTableName}, owner.Projection.NonKeyAttributes)

	subscriber := created.GlobalSecondaryIndexes[1]
	assert.Equal(t, "mesh-subscriptions-Subscriber", aws.ToString(subscriber.IndexName))
	require.Len(t, subscriber.KeySchema, 1)
	assert.Equal(t, models.AttrSubscriberPrincipal, aws.ToString(subscriber.KeySchema[0].AttributeName))
	assert.Equal(t, ddbtypes.ProjectionTypeAll, subscriber.Projection.ProjectionType)

	endpoints := s.Endpoints()
	assert.Contains(t, endpoints.TableArn, "table/mesh-subscriptions")
	assert.Contains(t, endpoints.StreamArn, "/stream/")
}

func TestProvisionReusesExistingTable(t *testing.T) {
	createCalled := false
	fake := &fakeDynamo{
		createTable: func(*dynamodb.CreateTableInput) (*dynamodb.CreateTableOutput, error) {
			createCalled = true
			return &dynamodb.CreateTableOutput{}, nil
		},
	}

	s := newTestStore(t, fake)
	assert.False(t, createCalled)
	assert.NotEmpty(t, s.Endpoints().TableArn)
}

func TestProvisionSurvivesCreationRace(t *testing.T) {
	describeCalls := 0
	fake := &fakeDynamo{
		describeTable: func(*dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
			describeCalls++
			if describeCalls == 1 {
				return nil, &ddbtypes.ResourceNotFoundException{}
			}
			return activeDescription(), nil
		},
		createTable: func(*dynamodb.CreateTableInput) (*dynamodb.CreateTableOutput, error) {
			// another process won the race
			return nil, &ddbtypes.ResourceInUseException{}
		},
	}

	s, err := NewWithClient(context.Background(), fake, "mesh-subscriptions")
	require.NoError(t, err)
	assert.NotEmpty(t, s.Endpoints().TableArn)
}

func TestGetUsesStronglyConsistentRead(t *testing.T) {
	var captured *dynamodb.GetItemInput
	fake := &fakeDynamo{
		getItem: func(in *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
			captured = in
			item, err := attributevalue.MarshalMap(&models.Subscription{
				SubscriptionID:      "sub-123",
				OwnerPrincipal:      "acct-A",
				SubscriberPrincipal: "acct-B",
				DatabaseName:        "db1",
				RequestedGrants:     models.StringSet{"SELECT"},
				Status:              models.StatusPending,
			})
			if err != nil {
				return nil, err
			}
			return &dynamodb.GetItemOutput{Item: item}, nil
		},
	}

	s := newTestStore(t, fake)
	sub, err := s.Get(context.Background(), "sub-123")
	require.NoError(t, err)
	require.NotNil(t, sub)

	assert.True(t, aws.ToBool(captured.ConsistentRead), "primary-key reads must be strongly consistent")
	assert.Equal(t, "sub-123", sub.SubscriptionID)
	assert.Equal(t, models.StatusPending, sub.Status)
	assert.Equal(t, models.StringSet{"SELECT"}, sub.RequestedGrants)
}

func TestGetAbsentRecord(t *testing.T) {
	fake := &fakeDynamo{
		getItem: func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{}, nil
		},
	}

	s := newTestStore(t, fake)
	sub, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func expressionValues(values map[string]ddbtypes.AttributeValue) []string {
	var out []string
	for _, av := range values {
		if sv, ok := av.(*ddbtypes.AttributeValueMemberS); ok {
			out = append(out, sv.Value)
		}
	}
	return out
}

func TestConditionalStatusUpdate(t *testing.T) {
	var captured *dynamodb.UpdateItemInput
	fake := &fakeDynamo{
		updateItem: func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			captured = in
			return &dynamodb.UpdateItemOutput{Attributes: map[string]ddbtypes.AttributeValue{
				models.AttrStatus: &ddbtypes.AttributeValueMemberS{Value: string(models.StatusActive)},
			}}, nil
		},
	}

	s := newTestStore(t, fake)
	err := s.ConditionalStatusUpdate(context.Background(), "sub-123", models.StatusActive,
		[]models.Status{models.StatusPending, models.StatusDenied}, nil, []string{"approved"}, "arn:mesh-admin")
	require.NoError(t, err)
	require.NotNil(t, captured)

	assert.Equal(t, ddbtypes.ReturnValueAllNew, captured.ReturnValues)
	assert.Contains(t, aws.ToString(captured.ConditionExpression), "attribute_exists")
	assert.Contains(t, aws.ToString(captured.ConditionExpression), "IN")

	values := expressionValues(captured.ExpressionAttributeValues)
	assert.Contains(t, values, string(models.StatusActive))
	assert.Contains(t, values, string(models.StatusPending))
	assert.Contains(t, values, string(models.StatusDenied))
	assert.Contains(t, values, "arn:mesh-admin")

	// no permitted grants supplied: the write copies RequestedGrants in place
	names := make([]string, 0, len(captured.ExpressionAttributeNames))
	for _, name := range captured.ExpressionAttributeNames {
		names = append(names, name)
	}
	assert.Contains(t, names, models.AttrPermittedGrants)
	assert.Contains(t, names, models.AttrRequestedGrants)
	assert.Contains(t, names, models.AttrNotes)
}

func TestConditionalStatusUpdateLostRace(t *testing.T) {
	fake := &fakeDynamo{
		updateItem: func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			return nil, &ddbtypes.ConditionalCheckFailedException{}
		},
	}

	s := newTestStore(t, fake)
	err := s.ConditionalStatusUpdate(context.Background(), "sub-123", models.StatusDeleted,
		[]models.Status{models.StatusActive}, nil, nil, "arn:mesh-admin")

	var transition *models.InvalidStateTransitionError
	require.True(t, errors.As(err, &transition))
	assert.Equal(t, "sub-123", transition.SubscriptionID)
	assert.Equal(t, models.StatusDeleted, transition.To)
}

func TestConditionalStatusUpdateZeroEffectWriteFails(t *testing.T) {
	fake := &fakeDynamo{
		updateItem: func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			return &dynamodb.UpdateItemOutput{}, nil
		},
	}

	s := newTestStore(t, fake)
	err := s.ConditionalStatusUpdate(context.Background(), "sub-123", models.StatusActive,
		[]models.Status{models.StatusPending}, nil, nil, "arn:mesh-admin")

	var transition *models.InvalidStateTransitionError
	require.True(t, errors.As(err, &transition))
}

func TestQuerySubscriberTargetsIndex(t *testing.T) {
	var captured *dynamodb.QueryInput
	fake := &fakeDynamo{
		query: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			captured = in
			return &dynamodb.QueryOutput{
				LastEvaluatedKey: map[string]ddbtypes.AttributeValue{
					models.AttrSubscriptionID: &ddbtypes.AttributeValueMemberS{Value: "sub-42"},
				},
			}, nil
		},
	}

	s := newTestStore(t, fake)
	_, next, err := s.QuerySubscriber(context.Background(), "acct-B", "", 25)
	require.NoError(t, err)

	assert.Equal(t, "mesh-subscriptions-Subscriber", aws.ToString(captured.IndexName))
	assert.Equal(t, int32(25), aws.ToInt32(captured.Limit))
	assert.Nil(t, captured.ConsistentRead, "index queries tolerate eventual consistency")
	assert.Contains(t, expressionValues(captured.ExpressionAttributeValues), "acct-B")
	assert.Contains(t, expressionValues(captured.ExpressionAttributeValues), string(models.StatusDeleted))
	assert.NotEmpty(t, next)

	// the continuation token feeds the next page's start key
	_, _, err = s.QuerySubscriber(context.Background(), "acct-B", next, 25)
	require.NoError(t, err)
	require.NotNil(t, captured.ExclusiveStartKey)
	start, ok := captured.ExclusiveStartKey[models.AttrSubscriptionID].(*ddbtypes.AttributeValueMemberS)
	require.True(t, ok)
	assert.Equal(t, "sub-42", start.Value)
}

func TestQueryOwnerUsesExactPair(t *testing.T) {
	var captured *dynamodb.QueryInput
	fake := &fakeDynamo{
		query: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			captured = in
			return &dynamodb.QueryOutput{}, nil
		},
	}

	s := newTestStore(t, fake)
	_, next, err := s.QueryOwner(context.Background(), "acct-A", models.StatusPending, "", 0)
	require.NoError(t, err)

	assert.Equal(t, "mesh-subscriptions-Owner", aws.ToString(captured.IndexName))
	assert.Contains(t, expressionValues(captured.ExpressionAttributeValues), "acct-A")
	assert.Contains(t, expressionValues(captured.ExpressionAttributeValues), string(models.StatusPending))
	assert.Empty(t, next, "exhausted listing carries no continuation token")
}

func TestScanFilteredBuildsConjunctiveFilter(t *testing.T) {
	var captured *dynamodb.ScanInput
	fake := &fakeDynamo{
		scan: func(in *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
			captured = in
			return &dynamodb.ScanOutput{}, nil
		},
	}

	s := newTestStore(t, fake)
	_, _, err := s.ScanFiltered(context.Background(), models.ListFilter{
		OwnerPrincipal: "acct-A",
		DatabaseName:   "db1",
		Tables:         []string{"orders", "customers"},
		IncludesGrants: []string{"SELECT"},
	})
	require.NoError(t, err)

	filter := aws.ToString(captured.FilterExpression)
	assert.Contains(t, filter, "AND")
	assert.Contains(t, filter, "OR")
	assert.Contains(t, filter, "contains")

	values := expressionValues(captured.ExpressionAttributeValues)
	assert.Contains(t, values, "acct-A")
	assert.Contains(t, values, "db1")
	assert.Contains(t, values, "orders")
	assert.Contains(t, values, "customers")
	assert.Contains(t, values, "SELECT")
	assert.Contains(t, values, string(models.StatusDeleted), "soft-deleted records are always excluded")
}

func TestFindExistingRequiresExactlyOneMatch(t *testing.T) {
	match := map[string]ddbtypes.AttributeValue{
		models.AttrSubscriptionID: &ddbtypes.AttributeValueMemberS{Value: "sub-1"},
	}

	cases := []struct {
		name  string
		items []map[string]ddbtypes.AttributeValue
		want  string
	}{
		{"no match", nil, ""},
		{"single match", []map[string]ddbtypes.AttributeValue{match}, "sub-1"},
		{"ambiguous", []map[string]ddbtypes.AttributeValue{match, match}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var captured *dynamodb.QueryInput
			fake := &fakeDynamo{
				query: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
					captured = in
					return &dynamodb.QueryOutput{Items: tc.items, Count: int32(len(tc.items))}, nil
				},
			}

			s := newTestStore(t, fake)
			id, err := s.FindExisting(context.Background(), "acct-B", "db1", "orders")
			require.NoError(t, err)
			assert.Equal(t, tc.want, id)
			assert.Equal(t, "mesh-subscriptions-Subscriber", aws.ToString(captured.IndexName))
		})
	}
}

func TestPageTokenRoundTrip(t *testing.T) {
	key := map[string]ddbtypes.AttributeValue{
		models.AttrSubscriptionID:      &ddbtypes.AttributeValueMemberS{Value: "sub-7"},
		models.AttrSubscriberPrincipal: &ddbtypes.AttributeValueMemberS{Value: "acct-B"},
	}

	token, err := encodePageToken(key)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	decoded, err := decodePageToken(token)
	require.NoError(t, err)
	assert.Equal(t, key, decoded)

	empty, err := encodePageToken(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	nilKey, err := decodePageToken("")
	require.NoError(t, err)
	assert.Nil(t, nilKey)

	_, err = decodePageToken("not base64!")
	assert.Error(t, err)
}
