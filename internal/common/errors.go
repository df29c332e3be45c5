// Package common defines sentinel and typed errors shared by repositories,
// services and the operator tooling. Callers should use errors.Is to match
// the sentinels and errors.As to inspect the typed errors.
package common

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// ErrDuplicateProfile is returned when a second profile is inserted for a
	// member that already has one. Synchronization treats it as benign.
	ErrDuplicateProfile = errors.New("profile already exists for member")

	// Service-level errors.
	ErrorInternal      = errors.New("internal error")
	ErrorValidation    = errors.New("validation error")
	ErrVersionConflict = errors.New("version conflict")

	// Migration errors.
	ErrOrphanIntegrity = errors.New("orphan integrity violation")
	ErrCountMismatch   = errors.New("row count mismatch")
	ErrPhaseOrder      = errors.New("phase out of order")
)

// VersionConflictError reports a rejected optimistic update. Current is the
// version found in the store, so the caller can re-fetch and retry.
type VersionConflictError struct {
	ProfileID string
	Expected  int64
	Current   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on profile %s: expected %d, current %d", e.ProfileID, e.Expected, e.Current)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// ValidationError describes a rejected input. Accepted and Limit are filled
// when the rule is a whitelist or a ceiling.
type ValidationError struct {
	Field    string
	Reason   string
	Accepted []string
	Limit    int64
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid %s: %s", e.Field, e.Reason)
	if len(e.Accepted) > 0 {
		fmt.Fprintf(&b, " (accepted: %s)", strings.Join(e.Accepted, ", "))
	}
	if e.Limit > 0 {
		fmt.Fprintf(&b, " (limit: %d)", e.Limit)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return ErrorValidation }

// OrphanRow identifies a dependent row whose foreign key has no target.
type OrphanRow struct {
	RowKey string
	Value  string
}

// OrphanIntegrityError halts a migration phase. Rows holds a bounded sample
// of the offending rows, Count the full number.
type OrphanIntegrityError struct {
	Table  string
	Column string
	Count  int64
	Rows   []OrphanRow
}

func (e *OrphanIntegrityError) Error() string {
	return fmt.Sprintf("%d orphaned rows in %s.%s", e.Count, e.Table, e.Column)
}

func (e *OrphanIntegrityError) Unwrap() error { return ErrOrphanIntegrity }
