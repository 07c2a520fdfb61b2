package models

// CreateSubscriptionRequest asks for access to a database, or to a set of
// tables within it when Tables is non-empty.
type CreateSubscriptionRequest struct {
	OwnerPrincipal           string   `json:"ownerPrincipal" validate:"required"`
	DatabaseName             string   `json:"databaseName" validate:"required"`
	Tables                   []string `json:"tables,omitempty" validate:"omitempty,min=1,dive,required"`
	SubscriberPrincipal      string   `json:"subscriberPrincipal" validate:"required"`
	RequestedGrants          []string `json:"requestedGrants" validate:"required,min=1,dive,required"`
	SuppressObjectValidation bool     `json:"suppressObjectValidation,omitempty"`
}

// UpdateStatusRequest advances a subscription through the lifecycle.
// PermittedGrants defaults to the record's RequestedGrants when omitted;
// Notes entries are appended to the record's note set.
type UpdateStatusRequest struct {
	SubscriptionID  string   `json:"subscriptionId" validate:"required"`
	Status          Status   `json:"status" validate:"required,subscription_status"`
	PermittedGrants []string `json:"permittedGrants,omitempty" validate:"omitempty,min=1,dive,required"`
	Notes           []string `json:"notes,omitempty" validate:"omitempty,dive,required"`
}

// UpdateGrantsRequest refines permitted grants without a status change.
type UpdateGrantsRequest struct {
	SubscriptionID  string   `json:"subscriptionId" validate:"required"`
	PermittedGrants []string `json:"permittedGrants" validate:"required,min=1,dive,required"`
	Notes           []string `json:"notes,omitempty" validate:"omitempty,dive,required"`
}

// ListFilter selects subscriptions. SubscriberPrincipal routes to the
// subscriber index; OwnerPrincipal with Status routes to the owner index;
// anything else becomes a filtered scan.
type ListFilter struct {
	OwnerPrincipal      string   `json:"ownerPrincipal,omitempty"`
	SubscriberPrincipal string   `json:"subscriberPrincipal,omitempty"`
	DatabaseName        string   `json:"databaseName,omitempty"`
	Tables              []string `json:"tables,omitempty"`
	IncludesGrants      []string `json:"includesGrants,omitempty"`
	Status              Status   `json:"status,omitempty" validate:"omitempty,subscription_status"`
	PageToken           string   `json:"pageToken,omitempty"`
	Limit               int32    `json:"limit,omitempty" validate:"omitempty,gte=1,lte=100"`
}

// SubscriptionPage is one page of list results. NextPageToken is an opaque
// continuation token; empty means the listing is exhausted.
type SubscriptionPage struct {
	Subscriptions []Subscription `json:"subscriptions"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}
