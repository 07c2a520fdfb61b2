package catalog

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	gluetypes "github.com/aws/aws-sdk-go-v2/service/glue/types"
	"golang.org/x/time/rate"

	"meshshare/internal/utils/logger"
)

// GlueCatalogAPI is the slice of the Glue client the validator uses.
type GlueCatalogAPI interface {
	GetDatabase(ctx context.Context, params *glue.GetDatabaseInput, optFns ...func(*glue.Options)) (*glue.GetDatabaseOutput, error)
	GetTable(ctx context.Context, params *glue.GetTableInput, optFns ...func(*glue.Options)) (*glue.GetTableOutput, error)
}

// existence is the tri-state outcome of a catalog probe. The catalog masks
// existence to unauthorized callers via access-denied, so forbidden and
// notFound must collapse to the same answer at the boundary.
type existence int

const (
	existenceFound existence = iota
	existenceNotFound
	existenceForbidden
)

// Validator confirms that a named database or table exists in the external
// catalog. Lookups share a client-side rate limit; table-level requests can
// fan out one probe per table.
type Validator struct {
	client  GlueCatalogAPI
	limiter *rate.Limiter
	log     *logger.Logger
}

func New(cfg aws.Config, lookupsPerSecond int) *Validator {
	return NewWithClient(glue.NewFromConfig(cfg), lookupsPerSecond)
}

func NewWithClient(client GlueCatalogAPI, lookupsPerSecond int) *Validator {
	if lookupsPerSecond <= 0 {
		lookupsPerSecond = 10
	}
	return &Validator{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(lookupsPerSecond), lookupsPerSecond),
		log:     logger.New("object_validator"),
	}
}

// Exists reports whether the named object is visible in the catalog. An empty
// tableName probes the database itself. Forbidden and not-found are
// indistinguishable to the caller by design.
func (v *Validator) Exists(ctx context.Context, databaseName, tableName string) (bool, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return false, err
	}

	state, err := v.check(ctx, databaseName, tableName)
	if err != nil {
		return false, v.log.Error("Catalog lookup failed for %s.%s ❌", err, databaseName, tableName)
	}

	return state == existenceFound, nil
}

// ExistsOrSuppressed behaves as Exists unless validation is suppressed, in
// which case it answers true without an external call.
func (v *Validator) ExistsOrSuppressed(ctx context.Context, databaseName, tableName string, suppress bool) (bool, error) {
	if suppress {
		return true, nil
	}
	return v.Exists(ctx, databaseName, tableName)
}

func (v *Validator) check(ctx context.Context, databaseName, tableName string) (existence, error) {
	var err error
	if tableName == "" {
		_, err = v.client.GetDatabase(ctx, &glue.GetDatabaseInput{
			Name: aws.String(databaseName),
		})
	} else {
		_, err = v.client.GetTable(ctx, &glue.GetTableInput{
			DatabaseName: aws.String(databaseName),
			Name:         aws.String(tableName),
		})
	}

	if err == nil {
		return existenceFound, nil
	}

	var notFound *gluetypes.EntityNotFoundException
	if errors.As(err, &notFound) {
		return existenceNotFound, nil
	}

	var denied *gluetypes.AccessDeniedException
	if errors.As(err, &denied) {
		// access denied means the object doesn't exist as far as this caller
		// is concerned
		v.log.Debug("Catalog masked %s.%s as access denied", databaseName, tableName)
		return existenceForbidden, nil
	}

	return existenceNotFound, err
}
