package links

import (
	"context"

	"github.com/dmitrijs2005/mentorsync/internal/server/models"
)

// Repository reads and repairs soft-key references.
type Repository interface {
	Candidates(ctx context.Context, link models.SoftKeyLink) ([]models.LinkCandidate, error)
	Matches(ctx context.Context, link models.SoftKeyLink, softKey string, limit int) ([]string, error)
	Link(ctx context.Context, link models.SoftKeyLink, candidate models.LinkCandidate, targetID string) (bool, error)
}
