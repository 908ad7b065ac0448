package provider

import (
	"context"

	"github.com/datahub/postoffice/internal/contracts"
	"github.com/datahub/postoffice/internal/domain"
)

// ContentProvider asks the sub-domain that owns a selection to produce its
// content. Mocking this interface in tests gives full control over
// sub-domain behaviour without a broker.
//
// Implementations return domain.ErrSubDomainUnavailable when the origin
// cannot be reached at all, and the ctx error when the reply does not
// arrive in time. A reply carrying an error reason is not an error here.
type ContentProvider interface {
	RequestContent(ctx context.Context, sel *domain.Selection) (*contracts.DataBundleResponse, error)
}
