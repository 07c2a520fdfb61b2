package subscriptions

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"

	"meshshare/internal/catalog"
	"meshshare/internal/config"
	"meshshare/internal/events"
	"meshshare/internal/identity"
	"meshshare/internal/models"
	"meshshare/internal/store"
	"meshshare/internal/utils/logger"
	"meshshare/internal/validator"
)

// SubscriptionStore is the persistence surface the engine depends on.
type SubscriptionStore interface {
	Put(ctx context.Context, sub *models.Subscription) error
	Get(ctx context.Context, id string) (*models.Subscription, error)
	QuerySubscriber(ctx context.Context, subscriberID, pageToken string, limit int32) ([]models.Subscription, string, error)
	QueryOwner(ctx context.Context, ownerID string, status models.Status, pageToken string, limit int32) ([]models.Subscription, string, error)
	ScanFiltered(ctx context.Context, f models.ListFilter) ([]models.Subscription, string, error)
	FindExisting(ctx context.Context, subscriberID, databaseName, tableName string) (string, error)
	ConditionalStatusUpdate(ctx context.Context, id string, to models.Status, expectedFrom []models.Status, permitted, notes []string, principal string) error
	UpdateGrants(ctx context.Context, id string, permitted, notes []string, principal string) error
	Endpoints() models.Endpoints
}

// ObjectValidator confirms catalog objects exist before a request is accepted.
type ObjectValidator interface {
	ExistsOrSuppressed(ctx context.Context, databaseName, tableName string, suppress bool) (bool, error)
}

// IdentityResolver resolves the acting principal for audit stamps.
type IdentityResolver interface {
	WhoAmI(ctx context.Context) (string, error)
}

var (
	_ SubscriptionStore = (*store.Store)(nil)
	_ ObjectValidator   = (*catalog.Validator)(nil)
	_ IdentityResolver  = (*identity.Resolver)(nil)
)

// StatusChangedEvent is the payload emitted on a successful transition.
type StatusChangedEvent struct {
	SubscriptionID string
	Status         models.Status
}

// GrantsChangedEvent is the payload emitted when permitted grants are refined.
type GrantsChangedEvent struct {
	SubscriptionID  string
	PermittedGrants []string
}

// Tracker is the subscription lifecycle engine. It is stateless per request;
// all concurrency safety comes from the store's atomic conditional writes.
// Dependencies are injected at construction and never mutated.
type Tracker struct {
	store    SubscriptionStore
	catalog  ObjectValidator
	identity IdentityResolver
	validate *validator.RequestValidator
	bus      *events.EventBus
	log      *logger.Logger
}

// New wires the tracker against real AWS clients built from the externally
// supplied credentials and region, provisioning the backing table if needed.
func New(ctx context.Context, cfg aws.Config, trackerCfg config.TrackerConfig) (*Tracker, error) {
	st, err := store.New(ctx, cfg, trackerCfg.TableName)
	if err != nil {
		return nil, err
	}

	t, err := NewWithDependencies(
		st,
		catalog.New(cfg, trackerCfg.CatalogLookupsPerSecond),
		identity.New(cfg),
		events.NewEventBus(),
	)
	if err != nil {
		return nil, err
	}

	t.log.SetLevel(logger.ParseLevel(trackerCfg.LogLevel))
	return t, nil
}

// NewWithDependencies assembles a tracker from pre-built collaborators.
func NewWithDependencies(st SubscriptionStore, ov ObjectValidator, ir IdentityResolver, bus *events.EventBus) (*Tracker, error) {
	rv, err := validator.New()
	if err != nil {
		return nil, err
	}
	if bus == nil {
		bus = events.NewEventBus()
	}

	return &Tracker{
		store:    st,
		catalog:  ov,
		identity: ir,
		validate: rv,
		bus:      bus,
		log:      logger.New("subscription_tracker"),
	}, nil
}

// Events exposes the bus so callers can observe lifecycle emissions.
func (t *Tracker) Events() *events.EventBus {
	return t.bus
}

// Endpoints returns the backing table and change-stream identifiers.
func (t *Tracker) Endpoints() models.Endpoints {
	return t.store.Endpoints()
}

// CreateSubscriptionRequest records a pending subscription per referenced
// object: one record for a database-level request, one per table otherwise.
// Each object is validated against the catalog first, and the request fails
// naming the first missing table.
func (t *Tracker) CreateSubscriptionRequest(ctx context.Context, req models.CreateSubscriptionRequest) ([]models.SubscriptionRef, error) {
	if err := t.validate.Struct(req); err != nil {
		return nil, err
	}

	principal, err := t.identity.WhoAmI(ctx)
	if err != nil {
		return nil, err
	}

	if len(req.Tables) == 0 {
		exists, err := t.catalog.ExistsOrSuppressed(ctx, req.DatabaseName, "", req.SuppressObjectValidation)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, &models.ObjectNotFoundError{DatabaseName: req.DatabaseName}
		}

		ref, err := t.createOne(ctx, req, "", principal)
		if err != nil {
			return nil, err
		}
		return []models.SubscriptionRef{ref}, nil
	}

	// validate every table up front so a missing one fails the whole request
	// before anything is persisted
	for _, table := range req.Tables {
		exists, err := t.catalog.ExistsOrSuppressed(ctx, req.DatabaseName, table, req.SuppressObjectValidation)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, &models.ObjectNotFoundError{DatabaseName: req.DatabaseName, TableName: table}
		}
	}

	refs := make([]models.SubscriptionRef, 0, len(req.Tables))
	for _, table := range req.Tables {
		ref, err := t.createOne(ctx, req, table, principal)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}

	return refs, nil
}

func (t *Tracker) createOne(ctx context.Context, req models.CreateSubscriptionRequest, tableName, principal string) (models.SubscriptionRef, error) {
	// dedup probe; a match still gets a brand new subscription id
	existing, err := t.store.FindExisting(ctx, req.SubscriberPrincipal, req.DatabaseName, tableName)
	if err != nil {
		return models.SubscriptionRef{}, err
	}
	if existing != "" {
		t.log.Debug("Subscriber %s already holds subscription %s on %s/%s, issuing a new one",
			req.SubscriberPrincipal, existing, req.DatabaseName, tableName)
	}

	sub := &models.Subscription{
		SubscriptionID:      models.NewSubscriptionID(),
		OwnerPrincipal:      req.OwnerPrincipal,
		SubscriberPrincipal: req.SubscriberPrincipal,
		DatabaseName:        req.DatabaseName,
		TableName:           tableName,
		RequestedGrants:     models.StringSet(req.RequestedGrants),
		Status:              models.StatusPending,
	}
	sub.StampCreated(principal)

	if err := t.store.Put(ctx, sub); err != nil {
		return models.SubscriptionRef{}, err
	}

	t.log.Info("Created subscription %s for %s on %s/%s", sub.SubscriptionID, req.SubscriberPrincipal, req.DatabaseName, tableName)
	t.bus.Emit(events.SubscriptionCreated, sub)

	return models.SubscriptionRef{
		DatabaseName:   req.DatabaseName,
		TableName:      tableName,
		SubscriptionID: sub.SubscriptionID,
	}, nil
}

// GetSubscription reads a subscription by id with a strongly consistent read.
// Soft-deleted records appear absent to ordinary callers.
func (t *Tracker) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	return t.get(ctx, id, false)
}

// GetSubscriptionForce reads a subscription by id including soft-deleted
// records.
func (t *Tracker) GetSubscriptionForce(ctx context.Context, id string) (*models.Subscription, error) {
	return t.get(ctx, id, true)
}

func (t *Tracker) get(ctx context.Context, id string, force bool) (*models.Subscription, error) {
	sub, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, nil
	}
	if sub.Status == models.StatusDeleted && !force {
		return nil, nil
	}
	return sub, nil
}

// ListSubscriptions routes the filter to the cheapest access path: subscriber
// index when the subscriber is known, owner index for an exact (owner, status)
// pair, otherwise a filtered scan. Results are forward-paginated via the
// opaque continuation token.
func (t *Tracker) ListSubscriptions(ctx context.Context, filter models.ListFilter) (*models.SubscriptionPage, error) {
	if err := t.validate.Struct(filter); err != nil {
		return nil, err
	}

	var (
		subs []models.Subscription
		next string
		err  error
	)

	switch {
	case filter.SubscriberPrincipal != "":
		subs, next, err = t.store.QuerySubscriber(ctx, filter.SubscriberPrincipal, filter.PageToken, filter.Limit)
	case filter.OwnerPrincipal != "" && filter.Status != "":
		subs, next, err = t.store.QueryOwner(ctx, filter.OwnerPrincipal, filter.Status, filter.PageToken, filter.Limit)
	default:
		subs, next, err = t.store.ScanFiltered(ctx, filter)
	}
	if err != nil {
		return nil, err
	}

	return &models.SubscriptionPage{Subscriptions: subs, NextPageToken: next}, nil
}

// UpdateStatus advances a subscription through the lifecycle. Illegal target
// statuses are rejected before any write; legal ones are enforced atomically
// at the store, so a lost race surfaces as an InvalidStateTransitionError the
// caller should retry after a fresh read.
func (t *Tracker) UpdateStatus(ctx context.Context, req models.UpdateStatusRequest) error {
	if err := t.validate.Struct(req); err != nil {
		return err
	}

	expectedFrom := models.AllowedFrom(req.Status)
	if len(expectedFrom) == 0 {
		return &models.InvalidStateTransitionError{
			SubscriptionID: req.SubscriptionID,
			To:             req.Status,
			Reason:         "status is not a legal transition target",
		}
	}

	principal, err := t.identity.WhoAmI(ctx)
	if err != nil {
		return err
	}

	if err := t.store.ConditionalStatusUpdate(ctx, req.SubscriptionID, req.Status, expectedFrom, req.PermittedGrants, req.Notes, principal); err != nil {
		return err
	}

	t.log.Info("Subscription %s moved to %s", req.SubscriptionID, req.Status)
	t.bus.Emit(events.SubscriptionStatusUpdated, StatusChangedEvent{
		SubscriptionID: req.SubscriptionID,
		Status:         req.Status,
	})

	return nil
}

// UpdateGrants refines the permitted grants of a subscription without a
// status change, typically after it reached Active.
func (t *Tracker) UpdateGrants(ctx context.Context, req models.UpdateGrantsRequest) error {
	if err := t.validate.Struct(req); err != nil {
		return err
	}

	principal, err := t.identity.WhoAmI(ctx)
	if err != nil {
		return err
	}

	if err := t.store.UpdateGrants(ctx, req.SubscriptionID, req.PermittedGrants, req.Notes, principal); err != nil {
		return err
	}

	t.bus.Emit(events.SubscriptionGrantsUpdated, GrantsChangedEvent{
		SubscriptionID:  req.SubscriptionID,
		PermittedGrants: req.PermittedGrants,
	})

	return nil
}

// DeleteSubscription soft-deletes a subscription, recording the reason in the
// audit notes. The record itself is preserved.
func (t *Tracker) DeleteSubscription(ctx context.Context, id, reason string) error {
	req := models.UpdateStatusRequest{
		SubscriptionID: id,
		Status:         models.StatusDeleted,
	}
	if reason != "" {
		req.Notes = []string{reason}
	}
	return t.UpdateStatus(ctx, req)
}
