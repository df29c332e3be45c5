// Package profiles stores mentor profiles. Every write is a single
// statement so concurrent writers are serialized by Postgres row locks.
package profiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/mentorsync/internal/common"
	"github.com/dmitrijs2005/mentorsync/internal/dbx"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
)

const selectColumns = `id, member_id, bio, photo_url, expertise, availability_timezone, is_approved,
	rating, total_sessions, version, created_at, updated_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) scanOne(ctx context.Context, query string, args ...any) (*models.MentorProfile, error) {
	var (
		p        models.MentorProfile
		memberID sql.NullString
		photo    sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&p.ID, &memberID, &p.Bio, &photo, &p.Expertise,
		&p.AvailabilityTimezone, &p.IsApproved, &p.Rating, &p.TotalSessions, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	p.MemberID = memberID.String
	p.PhotoURL = photo.String
	return &p, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.MentorProfile, error) {
	return r.scanOne(ctx, `SELECT `+selectColumns+` FROM mentor_profiles WHERE id = $1`, id)
}

// GetByMemberIDForUpdate locks the member's profile row, if there is one.
func (r *PostgresRepository) GetByMemberIDForUpdate(ctx context.Context, memberID string) (*models.MentorProfile, error) {
	return r.scanOne(ctx, `SELECT `+selectColumns+` FROM mentor_profiles WHERE member_id = $1 FOR UPDATE`, memberID)
}

// Insert creates the profile unless the member already has one, in which
// case common.ErrDuplicateProfile is returned and nothing is written.
func (r *PostgresRepository) Insert(ctx context.Context, p *models.MentorProfile) error {
	query := `
		INSERT INTO mentor_profiles (id, member_id, bio, photo_url, expertise, availability_timezone,
			is_approved, rating, total_sessions, version)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5::jsonb, $6, $7, $8, $9, $10)
		ON CONFLICT (member_id) DO NOTHING
		RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		p.ID, p.MemberID, p.Bio, p.PhotoURL, p.Expertise, p.AvailabilityTimezone,
		p.IsApproved, p.Rating, p.TotalSessions, p.Version,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || dbx.IsUniqueViolation(err) {
			return common.ErrDuplicateProfile
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// MergeDerived overlays non-empty derived values on the member's profile.
// The photo is only filled while the profile has none. The row is untouched,
// updated_at included, when nothing would change; the result reports whether
// a write happened. Version is never bumped here.
func (r *PostgresRepository) MergeDerived(ctx context.Context, memberID string, d models.DerivedProfile) (bool, error) {
	query := `
		UPDATE mentor_profiles SET
			bio = CASE WHEN $2::text <> '' THEN $2::text ELSE bio END,
			expertise = CASE WHEN jsonb_array_length($3::jsonb) > 0 THEN $3::jsonb ELSE expertise END,
			photo_url = COALESCE(photo_url, NULLIF($4::text, '')),
			updated_at = now()
		WHERE member_id = $1
		  AND (($2::text <> '' AND bio IS DISTINCT FROM $2::text)
		    OR (jsonb_array_length($3::jsonb) > 0 AND expertise IS DISTINCT FROM $3::jsonb)
		    OR (photo_url IS NULL AND $4::text <> ''))`

	res, err := r.db.ExecContext(ctx, query, memberID, d.Bio, d.Expertise, d.PhotoURL)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("unexpected rows affected: %d", n)
	}
}

// UpdateVersioned applies delta only if the stored version equals expected,
// and returns the incremented version. A mismatch or a missing row yields
// common.ErrVersionConflict; callers tell the two apart with CurrentVersion.
func (r *PostgresRepository) UpdateVersioned(ctx context.Context, id string, expected int64, delta models.ProfileDelta) (int64, error) {
	args := []any{id, expected}
	var sets []string

	if delta.Bio != nil {
		args = append(args, *delta.Bio)
		sets = append(sets, fmt.Sprintf("bio = $%d", len(args)))
	}
	if delta.Expertise != nil {
		args = append(args, models.Tags(*delta.Expertise))
		sets = append(sets, fmt.Sprintf("expertise = $%d::jsonb", len(args)))
	}
	if delta.AvailabilityTimezone != nil {
		args = append(args, *delta.AvailabilityTimezone)
		sets = append(sets, fmt.Sprintf("availability_timezone = $%d", len(args)))
	}
	if len(sets) == 0 {
		return 0, errors.New("empty delta")
	}
	sets = append(sets, "version = version + 1", "updated_at = now()")

	query := `UPDATE mentor_profiles SET ` + strings.Join(sets, ", ") +
		` WHERE id = $1 AND version = $2 RETURNING version`

	return r.conditionalWrite(ctx, query, args...)
}

// SetPhotoVersioned stores photo (empty clears it) under the same version
// rule as UpdateVersioned.
func (r *PostgresRepository) SetPhotoVersioned(ctx context.Context, id string, expected int64, photo string) (int64, error) {
	query := `
		UPDATE mentor_profiles SET photo_url = NULLIF($3, ''), version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING version`

	return r.conditionalWrite(ctx, query, id, expected, photo)
}

func (r *PostgresRepository) conditionalWrite(ctx context.Context, query string, args ...any) (int64, error) {
	var version int64
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, common.ErrVersionConflict
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return version, nil
}

func (r *PostgresRepository) CurrentVersion(ctx context.Context, id string) (int64, error) {
	var version int64
	err := r.db.QueryRowContext(ctx, `SELECT version FROM mentor_profiles WHERE id = $1`, id).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, common.ErrorNotFound
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return version, nil
}
