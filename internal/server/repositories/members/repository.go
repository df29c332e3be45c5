package members

import (
	"context"

	"github.com/dmitrijs2005/mentorsync/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, member *models.Member) (*models.Member, error)
	GetByID(ctx context.Context, id string) (*models.Member, error)
	GetByIDForUpdate(ctx context.Context, id string) (*models.Member, error)
	Update(ctx context.Context, member *models.Member) error
	ListActiveMentors(ctx context.Context) ([]*models.Member, error)
}
