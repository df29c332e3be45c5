package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	_ "time/tzdata"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/mentorsync/internal/common"
	"github.com/dmitrijs2005/mentorsync/internal/logging"
	"github.com/dmitrijs2005/mentorsync/internal/server/config"
	"github.com/dmitrijs2005/mentorsync/internal/server/metrics"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/profiles"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/mentorsync/internal/server/storage"
)

const (
	maxBioLength    = 4000
	maxExpertiseTag = 20
)

// photoExtensions maps accepted content types to the stored file extension.
var photoExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
	"image/png":  "png",
	"image/webp": "webp",
}

var acceptedPhotoTypes = []string{"image/jpeg", "image/jpg", "image/png", "image/webp"}

// photoSuffix returns the random part of a photo key.
var photoSuffix = func() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ProfileService implements self-service profile edits. Every write is a
// single conditional statement on the profile version; a stale version is
// reported, never retried or merged.
type ProfileService struct {
	db            *sql.DB
	repomanager   repomanager.RepositoryManager
	store         storage.ObjectStore
	logger        logging.Logger
	photoMaxBytes int64
}

func NewProfileService(db *sql.DB, m repomanager.RepositoryManager, store storage.ObjectStore, cfg *config.Config, logger logging.Logger) *ProfileService {
	return &ProfileService{
		db:            db,
		repomanager:   m,
		store:         store,
		logger:        logger.With("module", "profiles"),
		photoMaxBytes: cfg.PhotoMaxBytes,
	}
}

func (s *ProfileService) Get(ctx context.Context, profileID string) (*models.MentorProfile, error) {
	return s.repomanager.Profiles(s.db).GetByID(ctx, profileID)
}

// Update applies delta if the stored version equals expectedVersion and
// returns the new version.
func (s *ProfileService) Update(ctx context.Context, profileID string, expectedVersion int64, delta models.ProfileDelta) (int64, error) {
	if err := validateDelta(expectedVersion, delta); err != nil {
		return 0, err
	}
	if delta.Expertise != nil {
		tags := trimTags(*delta.Expertise)
		delta.Expertise = &tags
	}
	if delta.AvailabilityTimezone != nil {
		tz := strings.TrimSpace(*delta.AvailabilityTimezone)
		delta.AvailabilityTimezone = &tz
	}

	repo := s.repomanager.Profiles(s.db)
	v, err := repo.UpdateVersioned(ctx, profileID, expectedVersion, delta)
	if err != nil {
		return 0, s.resolveConflict(ctx, repo, profileID, expectedVersion, err)
	}
	return v, nil
}

// UploadPhoto stores the blob and points the profile at it. The previous
// blob is removed only after the new reference is committed.
func (s *ProfileService) UploadPhoto(ctx context.Context, profileID string, expectedVersion int64, blob io.Reader, contentType string, size int64) (*models.PhotoResult, error) {
	if err := validateVersion(expectedVersion); err != nil {
		return nil, err
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	ext, ok := photoExtensions[contentType]
	if !ok {
		return nil, &common.ValidationError{Field: "content_type", Reason: fmt.Sprintf("unsupported type %q", contentType), Accepted: acceptedPhotoTypes}
	}
	if size <= 0 {
		return nil, &common.ValidationError{Field: "size", Reason: "photo is empty"}
	}
	if size > s.photoMaxBytes {
		return nil, &common.ValidationError{Field: "size", Reason: fmt.Sprintf("photo is %d bytes", size), Limit: s.photoMaxBytes}
	}

	repo := s.repomanager.Profiles(s.db)
	profile, err := repo.GetByID(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if profile.Version != expectedVersion {
		return nil, &common.VersionConflictError{ProfileID: profileID, Expected: expectedVersion, Current: profile.Version}
	}

	key := fmt.Sprintf("mentors/mentor_%s_%s.%s", profileID, photoSuffix(), ext)
	ref, err := s.store.Put(ctx, key, blob, contentType, size)
	if err != nil {
		return nil, fmt.Errorf("error storing photo: %w", err)
	}

	v, err := repo.SetPhotoVersioned(ctx, profileID, expectedVersion, ref)
	if err != nil {
		// only a rejected write is known to leave ref unreferenced
		if errors.Is(err, common.ErrVersionConflict) || errors.Is(err, common.ErrorNotFound) {
			s.discard(ctx, ref)
		}
		return nil, s.resolveConflict(ctx, repo, profileID, expectedVersion, err)
	}

	if profile.PhotoURL != "" && profile.PhotoURL != ref {
		s.discard(ctx, profile.PhotoURL)
	}
	return &models.PhotoResult{PhotoReference: ref, NewVersion: v}, nil
}

// DeletePhoto clears the photo reference and then removes the blob. Every
// photo change bumps the version, so the conditional write only succeeds
// while the reference read here is still the stored one.
func (s *ProfileService) DeletePhoto(ctx context.Context, profileID string, expectedVersion int64) (int64, error) {
	if err := validateVersion(expectedVersion); err != nil {
		return 0, err
	}

	repo := s.repomanager.Profiles(s.db)
	profile, err := repo.GetByID(ctx, profileID)
	if err != nil {
		return 0, err
	}
	if profile.Version != expectedVersion {
		return 0, &common.VersionConflictError{ProfileID: profileID, Expected: expectedVersion, Current: profile.Version}
	}
	if profile.PhotoURL == "" {
		return 0, &common.ValidationError{Field: "photo", Reason: "profile has no photo"}
	}

	v, err := repo.SetPhotoVersioned(ctx, profileID, expectedVersion, "")
	if err != nil {
		return 0, s.resolveConflict(ctx, repo, profileID, expectedVersion, err)
	}
	s.discard(ctx, profile.PhotoURL)
	return v, nil
}

// resolveConflict turns a rejected conditional write into NotFound or a
// VersionConflictError carrying the current version.
func (s *ProfileService) resolveConflict(ctx context.Context, repo profiles.Repository, profileID string, expected int64, err error) error {
	if !errors.Is(err, common.ErrVersionConflict) {
		return err
	}
	current, cerr := repo.CurrentVersion(ctx, profileID)
	if cerr != nil {
		return cerr
	}
	metrics.ProfileConflicts.Inc()
	return &common.VersionConflictError{ProfileID: profileID, Expected: expected, Current: current}
}

func (s *ProfileService) discard(ctx context.Context, ref string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.store.Delete(ctx, ref); err != nil {
		s.logger.Warn(ctx, "failed to delete photo blob", "ref", ref, "error", err)
	}
}

func validateVersion(v int64) error {
	if v < 1 {
		return &common.ValidationError{Field: "expected_version", Reason: "must be at least 1"}
	}
	return nil
}

func validateDelta(expected int64, d models.ProfileDelta) error {
	if err := validateVersion(expected); err != nil {
		return err
	}
	if d.IsEmpty() {
		return &common.ValidationError{Field: "delta", Reason: "no fields to update"}
	}
	if d.Bio != nil && utf8.RuneCountInString(*d.Bio) > maxBioLength {
		return &common.ValidationError{Field: "bio", Reason: "too long", Limit: maxBioLength}
	}
	if d.Expertise != nil {
		if len(*d.Expertise) > maxExpertiseTag {
			return &common.ValidationError{Field: "expertise", Reason: "too many tags", Limit: maxExpertiseTag}
		}
		for _, t := range *d.Expertise {
			if strings.TrimSpace(t) == "" {
				return &common.ValidationError{Field: "expertise", Reason: "blank tag"}
			}
		}
	}
	if d.AvailabilityTimezone != nil {
		tz := strings.TrimSpace(*d.AvailabilityTimezone)
		if tz == "" || strings.EqualFold(tz, "local") {
			return &common.ValidationError{Field: "availability_timezone", Reason: "must be an IANA zone name"}
		}
		if _, err := time.LoadLocation(tz); err != nil {
			return &common.ValidationError{Field: "availability_timezone", Reason: fmt.Sprintf("unknown zone %q", tz)}
		}
	}
	return nil
}

func trimTags(in []string) []string {
	out := make([]string, len(in))
	for i, t := range in {
		out[i] = strings.TrimSpace(t)
	}
	return out
}
