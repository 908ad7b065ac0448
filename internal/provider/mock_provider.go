package provider

import (
	"context"
	"sync/atomic"

	"github.com/datahub/postoffice/internal/contracts"
	"github.com/datahub/postoffice/internal/domain"
)

// MockProvider is a hand-written ContentProvider for tests. By default it
// answers every request with a content URI derived from the request key.
type MockProvider struct {
	// Respond overrides the default reply when set.
	Respond func(ctx context.Context, sel *domain.Selection) (*contracts.DataBundleResponse, error)

	calls atomic.Int32
}

func (m *MockProvider) RequestContent(ctx context.Context, sel *domain.Selection) (*contracts.DataBundleResponse, error) {
	m.calls.Add(1)
	if m.Respond != nil {
		return m.Respond(ctx, sel)
	}
	return &contracts.DataBundleResponse{ContentURI: "bundles/" + sel.RequestKey()}, nil
}

// Calls returns how many content requests were made.
func (m *MockProvider) Calls() int {
	return int(m.calls.Load())
}
