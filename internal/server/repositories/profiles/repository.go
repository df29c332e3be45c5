package profiles

import (
	"context"

	"github.com/dmitrijs2005/mentorsync/internal/server/models"
)

type Repository interface {
	GetByID(ctx context.Context, id string) (*models.MentorProfile, error)
	GetByMemberIDForUpdate(ctx context.Context, memberID string) (*models.MentorProfile, error)
	Insert(ctx context.Context, profile *models.MentorProfile) error
	MergeDerived(ctx context.Context, memberID string, derived models.DerivedProfile) (bool, error)
	UpdateVersioned(ctx context.Context, id string, expected int64, delta models.ProfileDelta) (int64, error)
	SetPhotoVersioned(ctx context.Context, id string, expected int64, photo string) (int64, error)
	CurrentVersion(ctx context.Context, id string) (int64, error)
}
