package models

// SoftKeyLink describes a dependent column to repair through a soft key.
// Example: projects.member_id repaired by matching projects.focal_person_email
// against members.email.
type SoftKeyLink struct {
	Table         string
	RowKey        string
	Column        string
	SoftKey       string
	Target        string
	TargetKey     string
	TargetSoftKey string
}

// LinkCandidate is a dependent row whose reference is null or dangling.
type LinkCandidate struct {
	RowKey  string
	SoftKey string
	Current string
}

// Reasons a candidate stays unresolved.
const (
	UnresolvedNoMatch   = "no_match"
	UnresolvedAmbiguous = "ambiguous"
)

type UnresolvedRow struct {
	RowKey  string `json:"row_key"`
	SoftKey string `json:"soft_key"`
	Reason  string `json:"reason"`
}

type ReconcileReport struct {
	Table               string          `json:"table"`
	Column              string          `json:"column"`
	DryRun              bool            `json:"dry_run"`
	Scanned             int             `json:"scanned"`
	Linked              int             `json:"linked"`
	UnresolvedNoMatch   int             `json:"unresolved_no_match"`
	UnresolvedAmbiguous int             `json:"unresolved_ambiguous"`
	Unresolved          []UnresolvedRow `json:"unresolved"`
}

// AddUnresolved records c as unresolved and bumps the matching counter.
func (r *ReconcileReport) AddUnresolved(c LinkCandidate, reason string) {
	switch reason {
	case UnresolvedNoMatch:
		r.UnresolvedNoMatch++
	case UnresolvedAmbiguous:
		r.UnresolvedAmbiguous++
	}
	r.Unresolved = append(r.Unresolved, UnresolvedRow{RowKey: c.RowKey, SoftKey: c.SoftKey, Reason: reason})
}
