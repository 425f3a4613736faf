package directory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vedran77/portal/internal/backend"
	"github.com/vedran77/portal/internal/domain"
	"github.com/vedran77/portal/internal/metrics"
)

// Table is the view exposing mentionable users.
const Table = "user_directory"

// BackendFetcher reads identities through the backend query interface.
type BackendFetcher struct {
	client backend.Client
}

var _ Fetcher = (*BackendFetcher)(nil)

func NewBackendFetcher(client backend.Client) *BackendFetcher {
	return &BackendFetcher{client: client}
}

func (f *BackendFetcher) FetchIdentity(ctx context.Context, id uuid.UUID) (*domain.Identity, error) {
	metrics.DirectoryFetches.WithLabelValues("backend").Inc()
	rows, err := f.client.Select(ctx, backend.From(Table).Where(backend.Eq("id", id)).Take(1))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var ident domain.Identity
	if err := rows[0].Decode(&ident); err != nil {
		return nil, fmt.Errorf("decoding identity %s: %w", id, err)
	}
	return &ident, nil
}

func (f *BackendFetcher) ListIdentities(ctx context.Context) ([]domain.Identity, error) {
	rows, err := f.client.Select(ctx, backend.From(Table).OrderBy(backend.Asc("last_name"), backend.Asc("first_name")))
	if err != nil {
		return nil, err
	}
	return backend.DecodeRows[domain.Identity](rows)
}
