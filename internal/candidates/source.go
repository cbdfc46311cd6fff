package candidates

import (
	"context"

	"github.com/Popie52/feedrank/internal/model"
)

// Source returns non-deleted posts created inside window, newest first,
// optionally skipping one author. An empty result is not an error.
type Source interface {
	FetchCandidates(ctx context.Context, window model.TimeRange, excludeAuthorID string, limit int) ([]model.CandidatePost, error)
}
