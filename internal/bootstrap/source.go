package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/pump/internal/ir"
	"github.com/roach88/pump/internal/transport"
)

// DataSource resolves a query outside draft mode.
type DataSource interface {
	Query(ctx context.Context, q ir.QueryDescriptor) (json.RawMessage, error)
}

// GraphQLSource is a DataSource backed by the regular (non-pump) GraphQL
// endpoint, authenticated with the admin token.
type GraphQLSource struct {
	fetcher  transport.Fetcher
	endpoint string
	token    string
}

// NewGraphQLSource creates a source posting to endpoint.
func NewGraphQLSource(fetcher transport.Fetcher, endpoint, token string) *GraphQLSource {
	return &GraphQLSource{fetcher: fetcher, endpoint: endpoint, token: token}
}

// Query implements DataSource. A response carrying GraphQL errors is an
// error: static mode has no client to surface them to.
func (s *GraphQLSource) Query(ctx context.Context, q ir.QueryDescriptor) (json.RawMessage, error) {
	env, err := s.fetcher.Fetch(ctx, ir.FetchRequest{
		Endpoint:   s.endpoint,
		Query:      q,
		AdminToken: s.token,
	})
	if err != nil {
		return nil, err
	}
	if len(env.Errors) > 0 {
		first := env.Errors[0]
		if p := first.PathString(); p != "" {
			return nil, fmt.Errorf("graphql: %s at %s", first.Message, p)
		}
		return nil, fmt.Errorf("graphql: %s", first.Message)
	}
	return env.NormalizedData(), nil
}
