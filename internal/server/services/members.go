package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/mentorsync/internal/dbx"
	"github.com/dmitrijs2005/mentorsync/internal/logging"
	"github.com/dmitrijs2005/mentorsync/internal/server/config"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/repomanager"
)

// MemberService writes members and triggers profile synchronization for
// qualifying writes, either through the outbox or inline.
type MemberService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	engine      *SyncEngine
	logger      logging.Logger
	syncMode    string
	maxAttempts int
}

func NewMemberService(db *sql.DB, m repomanager.RepositoryManager, engine *SyncEngine, cfg *config.Config, logger logging.Logger) *MemberService {
	return &MemberService{
		db:          db,
		repomanager: m,
		engine:      engine,
		logger:      logger.With("module", "members"),
		syncMode:    cfg.SyncMode,
		maxAttempts: cfg.WorkerMaxAttempts,
	}
}

// Register inserts a member. A mentor triggers profile synchronization in the
// same transaction.
func (s *MemberService) Register(ctx context.Context, member *models.Member) (*models.Member, error) {
	member.Email = strings.TrimSpace(member.Email)

	var created *models.Member
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		created, err = s.repomanager.Members(tx).Create(ctx, member)
		if err != nil {
			return fmt.Errorf("error creating member: %w", err)
		}
		if !created.IsMentor() {
			return nil
		}
		return s.trigger(ctx, tx, created, models.ReasonCreated)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Update overwrites a member. Synchronization is triggered only when the
// member is a mentor and a profile-relevant attribute changed. A mentor
// leaving the category keeps its profile.
func (s *MemberService) Update(ctx context.Context, member *models.Member) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Members(tx)

		prev, err := repo.GetByIDForUpdate(ctx, member.ID)
		if err != nil {
			return fmt.Errorf("error loading member: %w", err)
		}
		if err := repo.Update(ctx, member); err != nil {
			return fmt.Errorf("error updating member: %w", err)
		}

		if prev.IsMentor() && !member.IsMentor() {
			s.logger.Warn(ctx, "member left mentor category, profile retained",
				"member_id", member.ID, "membership_type", member.MembershipType)
			return nil
		}
		if !member.IsMentor() || !member.ProfileFieldsChanged(prev) {
			return nil
		}
		return s.trigger(ctx, tx, member, models.ReasonUpdated)
	})
}

func (s *MemberService) trigger(ctx context.Context, tx dbx.DBTX, member *models.Member, reason string) error {
	if s.syncMode == config.SyncModeInline {
		outcome, err := s.engine.Apply(ctx, tx, member)
		if err != nil {
			return fmt.Errorf("error syncing profile: %w", err)
		}
		s.logger.Debug(ctx, "profile synced inline", "member_id", member.ID, "outcome", outcome)
		return nil
	}

	if err := s.repomanager.SyncEvents(tx).Enqueue(ctx, member.ID, reason, s.maxAttempts); err != nil {
		return fmt.Errorf("error enqueueing sync event: %w", err)
	}
	return nil
}
