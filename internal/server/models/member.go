package models

import (
	"strings"
	"time"
)

// CategoryMentor is the membership type that owns a MentorProfile.
const CategoryMentor = "mentor"

// Member is the source-of-truth record for a community member.
// Profile attributes are plain strings; empty means "not provided".
type Member struct {
	ID              string
	Email           string
	Name            string
	MembershipType  string
	Experience      string
	Occupation      string
	JobTitle        string
	Industry        string
	AreaOfExpertise string
	Skills          string
	School          string
	Bio             string
	ProfilePicture  string
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsMentor compares the category case-insensitively, ignoring surrounding spaces.
func (m *Member) IsMentor() bool {
	return strings.EqualFold(strings.TrimSpace(m.MembershipType), CategoryMentor)
}

// ProfileFieldsChanged reports whether any attribute feeding the derived
// profile differs between prev and m.
func (m *Member) ProfileFieldsChanged(prev *Member) bool {
	if prev == nil {
		return true
	}
	return m.IsMentor() != prev.IsMentor() ||
		m.Experience != prev.Experience ||
		m.Occupation != prev.Occupation ||
		m.JobTitle != prev.JobTitle ||
		m.Industry != prev.Industry ||
		m.AreaOfExpertise != prev.AreaOfExpertise ||
		m.Skills != prev.Skills ||
		m.ProfilePicture != prev.ProfilePicture
}
