package models

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/lithammer/shortuuid/v4"
)

// DynamoDB attribute names, shared by the store's schema, expressions and the
// change-stream contract.
const (
	AttrSubscriptionID      = "SubscriptionId"
	AttrOwnerPrincipal      = "OwnerPrincipal"
	AttrSubscriberPrincipal = "SubscriberPrincipal"
	AttrDatabaseName        = "DatabaseName"
	AttrTableName           = "TableName"
	AttrRequestedGrants     = "RequestedGrants"
	AttrPermittedGrants     = "PermittedGrants"
	AttrStatus              = "Status"
	AttrNotes               = "Notes"
	AttrCreationDate        = "CreationDate"
	AttrCreatedBy           = "CreatedBy"
	AttrUpdatedDate         = "UpdatedDate"
	AttrUpdatedBy           = "UpdatedBy"
)

// DateFormat is the timestamp layout used for audit stamps.
const DateFormat = "2006-01-02 15:04:05"

// StringSet marshals to a DynamoDB string set, so duplicate members collapse
// and note appends are idempotent.
type StringSet []string

func (s StringSet) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	if len(s) == 0 {
		return &types.AttributeValueMemberNULL{Value: true}, nil
	}
	return &types.AttributeValueMemberSS{Value: s}, nil
}

func (s *StringSet) UnmarshalDynamoDBAttributeValue(av types.AttributeValue) error {
	switch v := av.(type) {
	case *types.AttributeValueMemberSS:
		*s = v.Value
	case *types.AttributeValueMemberL:
		out := make([]string, 0, len(v.Value))
		for _, member := range v.Value {
			if sv, ok := member.(*types.AttributeValueMemberS); ok {
				out = append(out, sv.Value)
			}
		}
		*s = out
	case *types.AttributeValueMemberNULL:
		*s = nil
	}
	return nil
}

func (s StringSet) Contains(value string) bool {
	for _, member := range s {
		if member == value {
			return true
		}
	}
	return false
}

// Subscription is a tracked request by a subscriber principal for access to an
// owner's database or table. Records are never physically erased; Deleted is a
// terminal status value that preserves the audit trail.
type Subscription struct {
	SubscriptionID      string    `json:"subscriptionId" dynamodbav:"SubscriptionId"`
	OwnerPrincipal      string    `json:"ownerPrincipal" dynamodbav:"OwnerPrincipal"`
	SubscriberPrincipal string    `json:"subscriberPrincipal" dynamodbav:"SubscriberPrincipal"`
	DatabaseName        string    `json:"databaseName" dynamodbav:"DatabaseName"`
	TableName           string    `json:"tableName,omitempty" dynamodbav:"TableName,omitempty"`
	RequestedGrants     StringSet `json:"requestedGrants" dynamodbav:"RequestedGrants,omitempty"`
	PermittedGrants     StringSet `json:"permittedGrants,omitempty" dynamodbav:"PermittedGrants,omitempty"`
	Status              Status    `json:"status" dynamodbav:"Status"`
	Notes               StringSet `json:"notes,omitempty" dynamodbav:"Notes,omitempty"`
	CreationDate        string    `json:"creationDate" dynamodbav:"CreationDate"`
	CreatedBy           string    `json:"createdBy" dynamodbav:"CreatedBy"`
	UpdatedDate         string    `json:"updatedDate,omitempty" dynamodbav:"UpdatedDate,omitempty"`
	UpdatedBy           string    `json:"updatedBy,omitempty" dynamodbav:"UpdatedBy,omitempty"`
}

// SubscriptionRef identifies a created subscription back to the caller.
type SubscriptionRef struct {
	DatabaseName   string `json:"databaseName"`
	TableName      string `json:"tableName,omitempty"`
	SubscriptionID string `json:"subscriptionId"`
}

// Endpoints is the store's endpoint contract: the backing table and its
// change stream, which downstream consumers read for before/after images.
type Endpoints struct {
	TableArn  string `json:"tableArn"`
	StreamArn string `json:"streamArn"`
}

// NewSubscriptionID mints a short unique id.
func NewSubscriptionID() string {
	return shortuuid.New()
}

func FormatTimeNow() string {
	return time.Now().Format(DateFormat)
}

// StampCreated sets the who-what-when attributes for a new record.
func (s *Subscription) StampCreated(principal string) {
	s.CreationDate = FormatTimeNow()
	s.CreatedBy = principal
}

// StampUpdated refreshes the who-what-when attributes on mutation.
func (s *Subscription) StampUpdated(principal string) {
	s.UpdatedDate = FormatTimeNow()
	s.UpdatedBy = principal
}
