// Package services contains the business logic: deriving mentor profiles from
// members, version-guarded profile edits, the table consolidation phases and
// soft-key reconciliation.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/mentorsync/internal/common"
	"github.com/dmitrijs2005/mentorsync/internal/dbx"
	"github.com/dmitrijs2005/mentorsync/internal/logging"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

const (
	maxDerivedSkills = 3
	defaultTimezone  = "UTC"
)

// SyncEngine derives a MentorProfile from a mentor Member.
type SyncEngine struct {
	repomanager repomanager.RepositoryManager
	logger      logging.Logger
}

func NewSyncEngine(m repomanager.RepositoryManager, logger logging.Logger) *SyncEngine {
	return &SyncEngine{repomanager: m, logger: logger.With("module", "sync")}
}

// Qualifies reports whether the member owns a mentor profile.
func (e *SyncEngine) Qualifies(member *models.Member) bool {
	return member != nil && member.IsMentor()
}

// Project maps member attributes onto profile fields.
func (e *SyncEngine) Project(member *models.Member) models.DerivedProfile {
	var parts []string
	for _, p := range []struct{ label, value string }{
		{"Experience", member.Experience},
		{"Occupation", member.Occupation},
		{"Job Title", member.JobTitle},
	} {
		if v := strings.TrimSpace(p.value); v != "" {
			parts = append(parts, p.label+": "+v)
		}
	}

	candidates := []string{member.AreaOfExpertise, member.Industry}
	skills := 0
	for _, s := range strings.Split(member.Skills, ",") {
		if skills == maxDerivedSkills {
			break
		}
		if s = strings.TrimSpace(s); s != "" {
			candidates = append(candidates, s)
			skills++
		}
	}

	return models.DerivedProfile{
		Bio:       strings.Join(parts, " | "),
		Expertise: dedupTags(candidates),
		PhotoURL:  strings.TrimSpace(member.ProfilePicture),
	}
}

// dedupTags keeps the first spelling of each tag, compared case-insensitively.
func dedupTags(in []string) models.Tags {
	seen := make(map[string]struct{}, len(in))
	out := models.Tags{}
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		k := strings.ToLower(t)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Apply creates or merges the member's profile using the caller's
// transaction. The existing row is locked first so concurrent applies for the
// same member serialize; a lost insert race falls through to a merge.
func (e *SyncEngine) Apply(ctx context.Context, tx dbx.DBTX, member *models.Member) (models.SyncOutcome, error) {
	if !e.Qualifies(member) {
		return models.SyncSkipped, nil
	}

	repo := e.repomanager.Profiles(tx)
	derived := e.Project(member)

	_, err := repo.GetByMemberIDForUpdate(ctx, member.ID)
	switch {
	case errors.Is(err, common.ErrorNotFound):
		err = repo.Insert(ctx, &models.MentorProfile{
			ID:                   uuid.NewString(),
			MemberID:             member.ID,
			Bio:                  derived.Bio,
			PhotoURL:             derived.PhotoURL,
			Expertise:            derived.Expertise,
			AvailabilityTimezone: defaultTimezone,
			IsApproved:           true,
			Version:              1,
		})
		if err == nil {
			e.logger.Info(ctx, "mentor profile created", "member_id", member.ID)
			return models.SyncCreated, nil
		}
		if !errors.Is(err, common.ErrDuplicateProfile) {
			return "", fmt.Errorf("error inserting profile: %w", err)
		}
		e.logger.Debug(ctx, "profile inserted concurrently, merging", "member_id", member.ID)
	case err != nil:
		return "", fmt.Errorf("error locking profile: %w", err)
	}

	changed, err := repo.MergeDerived(ctx, member.ID, derived)
	if err != nil {
		return "", fmt.Errorf("error merging profile: %w", err)
	}
	if !changed {
		return models.SyncUnchanged, nil
	}
	e.logger.Info(ctx, "mentor profile merged", "member_id", member.ID)
	return models.SyncMerged, nil
}
