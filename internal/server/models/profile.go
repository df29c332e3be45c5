package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Tags is an ordered tag list stored as a JSON array.
type Tags []string

func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		t = Tags{}
	}
	b, err := json.Marshal([]string(t))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (t *Tags) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*t = Tags{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("tags: unsupported source %T", src)
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("tags: %w", err)
	}
	*t = out
	return nil
}

// MentorProfile is derived from a mentor Member and edited through the
// version-guarded self-service operations.
type MentorProfile struct {
	ID                   string
	MemberID             string
	Bio                  string
	PhotoURL             string
	Expertise            Tags
	AvailabilityTimezone string
	IsApproved           bool
	Rating               float64
	TotalSessions        int
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// DerivedProfile is the projection of a Member onto profile fields.
type DerivedProfile struct {
	Bio       string
	Expertise Tags
	PhotoURL  string
}

// ProfileDelta carries a self-service edit. Nil fields are left as stored.
type ProfileDelta struct {
	Bio                  *string
	Expertise            *[]string
	AvailabilityTimezone *string
}

func (d ProfileDelta) IsEmpty() bool {
	return d.Bio == nil && d.Expertise == nil && d.AvailabilityTimezone == nil
}

// SyncOutcome is what a single synchronization did to the profile.
type SyncOutcome string

const (
	SyncCreated   SyncOutcome = "created"
	SyncMerged    SyncOutcome = "merged"
	SyncUnchanged SyncOutcome = "unchanged"
	SyncSkipped   SyncOutcome = "skipped"
)

// PhotoResult is returned by a successful photo upload.
type PhotoResult struct {
	PhotoReference string
	NewVersion     int64
}

// BackfillReport summarizes a bulk synchronization run.
type BackfillReport struct {
	DryRun    bool `json:"dry_run"`
	Scanned   int  `json:"scanned"`
	Created   int  `json:"created"`
	Merged    int  `json:"merged"`
	Unchanged int  `json:"unchanged"`
	Failed    int  `json:"failed"`
}
