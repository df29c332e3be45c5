// Package members stores the source-of-truth member records.
package members

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/mentorsync/internal/common"
	"github.com/dmitrijs2005/mentorsync/internal/dbx"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
)

const selectColumns = `id, email, name, membershiptype, experience, occupation, jobtitle, industry,
	areaofexpertise, skills, school, bio, profile_picture, is_active, created_at, updated_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMember(row scanner) (*models.Member, error) {
	m := &models.Member{}
	err := row.Scan(&m.ID, &m.Email, &m.Name, &m.MembershipType, &m.Experience, &m.Occupation, &m.JobTitle,
		&m.Industry, &m.AreaOfExpertise, &m.Skills, &m.School, &m.Bio, &m.ProfilePicture, &m.IsActive,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Create inserts a member; a duplicate email yields common.ErrorAlreadyExists.
func (r *PostgresRepository) Create(ctx context.Context, member *models.Member) (*models.Member, error) {
	query := `
		INSERT INTO members (email, name, membershiptype, experience, occupation, jobtitle, industry,
			areaofexpertise, skills, school, bio, profile_picture, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		member.Email, member.Name, member.MembershipType, member.Experience, member.Occupation, member.JobTitle,
		member.Industry, member.AreaOfExpertise, member.Skills, member.School, member.Bio, member.ProfilePicture,
		member.IsActive,
	).Scan(&member.ID, &member.CreatedAt, &member.UpdatedAt)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return nil, common.ErrorAlreadyExists
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return member, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Member, error) {
	return r.get(ctx, `SELECT `+selectColumns+` FROM members WHERE id = $1`, id)
}

// GetByIDForUpdate locks the row until the surrounding transaction ends.
func (r *PostgresRepository) GetByIDForUpdate(ctx context.Context, id string) (*models.Member, error) {
	return r.get(ctx, `SELECT `+selectColumns+` FROM members WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresRepository) get(ctx context.Context, query, id string) (*models.Member, error) {
	m, err := scanMember(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return m, nil
}

func (r *PostgresRepository) Update(ctx context.Context, member *models.Member) error {
	query := `
		UPDATE members SET
			email = $2, name = $3, membershiptype = $4, experience = $5, occupation = $6, jobtitle = $7,
			industry = $8, areaofexpertise = $9, skills = $10, school = $11, bio = $12,
			profile_picture = $13, is_active = $14, updated_at = now()
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query,
		member.ID, member.Email, member.Name, member.MembershipType, member.Experience, member.Occupation,
		member.JobTitle, member.Industry, member.AreaOfExpertise, member.Skills, member.School, member.Bio,
		member.ProfilePicture, member.IsActive,
	)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return common.ErrorAlreadyExists
		}
		return fmt.Errorf("db error: %w", err)
	}
	return dbx.ExpectOneRow(res, common.ErrorNotFound)
}

func (r *PostgresRepository) ListActiveMentors(ctx context.Context) ([]*models.Member, error) {
	query := `SELECT ` + selectColumns + ` FROM members
		WHERE is_active AND lower(btrim(membershiptype)) = 'mentor'
		ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
