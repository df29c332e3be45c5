package models

import "time"

// Phase is the ledger state of a consolidation run.
type Phase string

const (
	PhaseSnapshotted Phase = "snapshotted"
	PhaseShadowBuilt Phase = "shadow_built"
	PhaseRepointed   Phase = "repointed"
	PhaseCutOver     Phase = "cut_over"
	PhaseRolledBack  Phase = "rolled_back"
	PhaseAbandoned   Phase = "abandoned"
)

// StampLayout formats the archive suffix.
const StampLayout = "20060102150405"

// Column is a table column with its SQL type as printed by format_type.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ForeignKey is a dependent column that points at the primary key domain.
// Constraint is empty for declared columns that never had one.
type ForeignKey struct {
	Table      string `json:"table"`
	Column     string `json:"column"`
	Constraint string `json:"constraint,omitempty"`
	RowKey     string `json:"row_key"`
	OnDelete   string `json:"on_delete"`
}

// ConstraintName is the name used when the constraint is (re)created.
func (fk ForeignKey) ConstraintName() string {
	if fk.Constraint != "" {
		return fk.Constraint
	}
	return fk.Table + "_" + fk.Column + "_fkey"
}

// TableCount pairs a live table with its archive copy.
type TableCount struct {
	Table       string `json:"table"`
	Archive     string `json:"archive"`
	LiveRows    int64  `json:"live_rows"`
	ArchiveRows int64  `json:"archive_rows"`
}

// ConsolidationPlan is the operator's input to the snapshot phase.
type ConsolidationPlan struct {
	Primary  string
	Overlay  string
	Shadow   string
	Key      string
	Declared []ForeignKey
}

// ConsolidationRun is the persisted ledger entry of one consolidation.
type ConsolidationRun struct {
	ID         int64        `json:"id"`
	Primary    string       `json:"primary"`
	Overlay    string       `json:"overlay"`
	Shadow     string       `json:"shadow"`
	Key        string       `json:"key"`
	Stamp      string       `json:"stamp"`
	Phase      Phase        `json:"phase"`
	Dependents []ForeignKey `json:"dependents"`
	Archives   []TableCount `json:"archives"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func (r *ConsolidationRun) ArchiveName(table string) string { return table + "_backup_" + r.Stamp }

func (r *ConsolidationRun) RetiredName(table string) string { return table + "_old" }

// Sync names the triggers that keep the run's shadow current. Columns are
// only needed to install them.
func (r *ConsolidationRun) Sync() ShadowSync {
	return ShadowSync{Primary: r.Primary, Overlay: r.Overlay, Shadow: r.Shadow, Key: r.Key}
}

// ShadowSync carries rows inserted or updated in the primary or the overlay
// into the shadow between the build and the cutover. PrimaryColumns include
// the key; OverlayColumns do not.
type ShadowSync struct {
	Primary        string
	Overlay        string
	Shadow         string
	Key            string
	PrimaryColumns []string
	OverlayColumns []string
}

type SnapshotReport struct {
	RunID  int64        `json:"run_id"`
	Tables []TableCount `json:"tables"`
}

type ShadowReport struct {
	RunID          int64    `json:"run_id"`
	Shadow         string   `json:"shadow"`
	Columns        []string `json:"columns"`
	AddedColumns   []string `json:"added_columns"`
	PrimaryRows    int64    `json:"primary_rows"`
	ShadowRows     int64    `json:"shadow_rows"`
	OverlayApplied int64    `json:"overlay_applied"`
}

type RepointedColumn struct {
	ForeignKey
	OrphansBefore int64 `json:"orphans_before"`
	OrphansAfter  int64 `json:"orphans_after"`
}

type RepointReport struct {
	RunID    int64             `json:"run_id"`
	CaughtUp int64             `json:"caught_up"`
	Columns  []RepointedColumn `json:"columns"`
}

type Rename struct {
	Kind string `json:"kind"`
	From string `json:"from"`
	To   string `json:"to"`
}

type CutoverReport struct {
	RunID      int64            `json:"run_id"`
	CaughtUp   int64            `json:"caught_up"`
	Renames    []Rename         `json:"renames"`
	RowCounts  map[string]int64 `json:"row_counts"`
	GraceUntil time.Time        `json:"archives_kept_until"`
}

type RollbackReport struct {
	RunID   int64            `json:"run_id"`
	Renames []Rename         `json:"renames"`
	Before  map[string]int64 `json:"rows_before"`
	After   map[string]int64 `json:"rows_after"`
}
