package identity

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"meshshare/internal/models"
	"meshshare/internal/utils/logger"
)

// CallerIdentityAPI is the slice of the STS client the resolver uses.
type CallerIdentityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Resolver resolves the acting principal for audit stamping. Stateless; one
// synchronous call per lookup.
type Resolver struct {
	client CallerIdentityAPI
	log    *logger.Logger
}

func New(cfg aws.Config) *Resolver {
	return NewWithClient(sts.NewFromConfig(cfg))
}

func NewWithClient(client CallerIdentityAPI) *Resolver {
	return &Resolver{
		client: client,
		log:    logger.New("identity_resolver"),
	}
}

// WhoAmI returns the canonical identity string of the current caller. A
// resolution failure is fatal to the calling operation; no anonymous identity
// is substituted.
func (r *Resolver) WhoAmI(ctx context.Context) (string, error) {
	out, err := r.client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		r.log.Warn("Failed to resolve caller identity: %v", err)
		return "", &models.IdentityUnavailableError{Err: err}
	}

	return aws.ToString(out.Arn), nil
}
