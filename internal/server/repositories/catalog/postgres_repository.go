// Package catalog wraps the Postgres system catalog and the DDL used by
// online table consolidation. All statements run on the handle the
// repository is bound to, so a caller's transaction covers them.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/mentorsync/internal/common"
	"github.com/dmitrijs2005/mentorsync/internal/dbx"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
)

var onDeleteActions = map[string]string{
	"a": "NO ACTION",
	"r": "RESTRICT",
	"c": "CASCADE",
	"n": "SET NULL",
	"d": "SET DEFAULT",
}

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, dbx.Ident(table)).Scan(&exists); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM `+dbx.Ident(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

// CopyTable copies rows only; the archive carries no constraints or indexes.
func (r *PostgresRepository) CopyTable(ctx context.Context, src, dst string) error {
	_, err := r.exec(ctx, `CREATE TABLE `+dbx.Ident(dst)+` AS TABLE `+dbx.Ident(src))
	return err
}

func (r *PostgresRepository) Columns(ctx context.Context, table string) ([]models.Column, error) {
	query := `
		SELECT a.attname, format_type(a.atttypid, a.atttypmod)
		FROM pg_attribute a
		WHERE a.attrelid = to_regclass($1) AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`

	rows, err := r.db.QueryContext(ctx, query, dbx.Ident(table))
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var cols []models.Column
	for rows.Next() {
		var c models.Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s: %w", table, common.ErrorNotFound)
	}
	return cols, nil
}

// CreateTableLike copies the structure of src, including defaults,
// constraints other than foreign keys, and indexes.
func (r *PostgresRepository) CreateTableLike(ctx context.Context, src, dst string) error {
	_, err := r.exec(ctx, `CREATE TABLE `+dbx.Ident(dst)+` (LIKE `+dbx.Ident(src)+` INCLUDING ALL)`)
	return err
}

func (r *PostgresRepository) AddColumn(ctx context.Context, table string, col models.Column) error {
	_, err := r.exec(ctx, `ALTER TABLE `+dbx.Ident(table)+` ADD COLUMN `+dbx.Ident(col.Name)+` `+col.Type)
	return err
}

func prefixed(alias string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + dbx.Ident(c)
	}
	return strings.Join(out, ", ")
}

// InsertMissingRows copies rows of src whose key is absent from dst.
func (r *PostgresRepository) InsertMissingRows(ctx context.Context, src, dst, key string, cols []string) (int64, error) {
	k := dbx.Ident(key)
	query := `INSERT INTO ` + dbx.Ident(dst) + ` (` + dbx.Idents(cols) + `)
		SELECT ` + prefixed("s", cols) + ` FROM ` + dbx.Ident(src) + ` s
		WHERE NOT EXISTS (SELECT 1 FROM ` + dbx.Ident(dst) + ` d WHERE d.` + k + ` = s.` + k + `)`
	return r.exec(ctx, query)
}

// RefreshRows rewrites cols in dst from src for rows whose values diverged.
func (r *PostgresRepository) RefreshRows(ctx context.Context, src, dst, key string, cols []string) (int64, error) {
	k := dbx.Ident(key)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = dbx.Ident(c) + " = s." + dbx.Ident(c)
	}
	query := `UPDATE ` + dbx.Ident(dst) + ` d SET ` + strings.Join(sets, ", ") + `
		FROM ` + dbx.Ident(src) + ` s
		WHERE d.` + k + ` = s.` + k + ` AND (` + prefixed("d", cols) + `) IS DISTINCT FROM (` + prefixed("s", cols) + `)`
	return r.exec(ctx, query)
}

// OverlayRows copies non-null overlay values onto dst rows sharing the key.
// Null overlay values never erase what dst holds.
func (r *PostgresRepository) OverlayRows(ctx context.Context, overlay, dst, key string, cols []string) (int64, error) {
	k := dbx.Ident(key)
	query := `UPDATE ` + dbx.Ident(dst) + ` d SET ` + coalesceSets(cols, "o") + `
		FROM ` + dbx.Ident(overlay) + ` o
		WHERE d.` + k + ` = o.` + k
	return r.exec(ctx, query)
}

// ReferencingKeys lists single-column foreign keys that target table.
// Dependent tables outside the current schema come back schema-qualified.
func (r *PostgresRepository) ReferencingKeys(ctx context.Context, table string) ([]models.ForeignKey, error) {
	query := `
		SELECT c.conname, n.nspname, cl.relname, n.nspname = current_schema(), a.attname, c.confdeltype::text,
			COALESCE((
				SELECT pa.attname FROM pg_index i
				JOIN pg_attribute pa ON pa.attrelid = i.indrelid AND pa.attnum = i.indkey[0]
				WHERE i.indrelid = c.conrelid AND i.indisprimary
				LIMIT 1), 'ctid')
		FROM pg_constraint c
		JOIN pg_class cl ON cl.oid = c.conrelid
		JOIN pg_namespace n ON n.oid = cl.relnamespace
		JOIN pg_attribute a ON a.attrelid = c.conrelid AND a.attnum = c.conkey[1]
		WHERE c.contype = 'f' AND c.confrelid = to_regclass($1) AND array_length(c.conkey, 1) = 1
		ORDER BY 2, 3, 5`

	rows, err := r.db.QueryContext(ctx, query, dbx.Ident(table))
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var keys []models.ForeignKey
	for rows.Next() {
		var (
			fk          models.ForeignKey
			schema, rel string
			local       bool
			action      string
		)
		if err := rows.Scan(&fk.Constraint, &schema, &rel, &local, &fk.Column, &action, &fk.RowKey); err != nil {
			return nil, err
		}
		fk.Table = relationName(schema, rel, local)
		fk.OnDelete = onDeleteActions[action]
		if fk.OnDelete == "" {
			fk.OnDelete = "NO ACTION"
		}
		keys = append(keys, fk)
	}
	return keys, rows.Err()
}

// relationName gives the unquoted name callers pass back in, which dbx.Ident
// quotes once.
func relationName(schema, rel string, local bool) string {
	if local {
		return rel
	}
	return schema + "." + rel
}

// Orphans counts rows of fk.Table whose non-null reference has no row in
// target, returning up to limit of them.
func (r *PostgresRepository) Orphans(ctx context.Context, fk models.ForeignKey, target, key string, limit int) (int64, []common.OrphanRow, error) {
	col := dbx.Ident(fk.Column)
	query := `
		SELECT d.` + dbx.Ident(fk.RowKey) + `::text, d.` + col + `::text, count(*) OVER ()
		FROM ` + dbx.Ident(fk.Table) + ` d
		WHERE d.` + col + ` IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM ` + dbx.Ident(target) + ` t WHERE t.` + dbx.Ident(key) + ` = d.` + col + `)
		ORDER BY 1
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return 0, nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var (
		total  int64
		sample []common.OrphanRow
	)
	for rows.Next() {
		var o common.OrphanRow
		if err := rows.Scan(&o.RowKey, &o.Value, &total); err != nil {
			return 0, nil, err
		}
		sample = append(sample, o)
	}
	return total, sample, rows.Err()
}

// ForeignKeyTarget returns the table fk's constraint currently references,
// or "" when the constraint does not exist.
func (r *PostgresRepository) ForeignKeyTarget(ctx context.Context, fk models.ForeignKey) (string, error) {
	query := `
		SELECT n.nspname, cl.relname, n.nspname = current_schema()
		FROM pg_constraint c
		JOIN pg_class cl ON cl.oid = c.confrelid
		JOIN pg_namespace n ON n.oid = cl.relnamespace
		WHERE c.contype = 'f' AND c.conrelid = to_regclass($1) AND c.conname = $2`

	var (
		schema, rel string
		local       bool
	)
	err := r.db.QueryRowContext(ctx, query, dbx.Ident(fk.Table), fk.ConstraintName()).Scan(&schema, &rel, &local)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("db error: %w", err)
	}
	return relationName(schema, rel, local), nil
}

// ReplaceForeignKey points fk at target(key). The new constraint is added
// NOT VALID, so existing rows are not checked here; ValidateForeignKey does
// that in a later transaction. Both statements take ACCESS EXCLUSIVE on the
// dependent and the referenced table until commit.
func (r *PostgresRepository) ReplaceForeignKey(ctx context.Context, fk models.ForeignKey, target, key string) error {
	table := dbx.Ident(fk.Table)
	name := dbx.Ident(fk.ConstraintName())

	action := fk.OnDelete
	if action == "" {
		action = "NO ACTION"
	}
	if !validAction(action) {
		return fmt.Errorf("unsupported on delete action %q", action)
	}

	stmts := []string{
		`ALTER TABLE ` + table + ` DROP CONSTRAINT IF EXISTS ` + name,
		`ALTER TABLE ` + table + ` ADD CONSTRAINT ` + name + ` FOREIGN KEY (` + dbx.Ident(fk.Column) + `)
			REFERENCES ` + dbx.Ident(target) + ` (` + dbx.Ident(key) + `) ON DELETE ` + action + ` NOT VALID`,
	}
	for _, s := range stmts {
		if _, err := r.exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// ValidateForeignKey checks existing rows against fk's constraint under
// SHARE UPDATE EXCLUSIVE, which leaves reads and writes running.
func (r *PostgresRepository) ValidateForeignKey(ctx context.Context, fk models.ForeignKey) error {
	_, err := r.exec(ctx, `ALTER TABLE `+dbx.Ident(fk.Table)+` VALIDATE CONSTRAINT `+dbx.Ident(fk.ConstraintName()))
	return err
}

func (r *PostgresRepository) DropForeignKey(ctx context.Context, fk models.ForeignKey) error {
	_, err := r.exec(ctx, `ALTER TABLE `+dbx.Ident(fk.Table)+` DROP CONSTRAINT IF EXISTS `+dbx.Ident(fk.ConstraintName()))
	return err
}

func validAction(action string) bool {
	for _, a := range onDeleteActions {
		if a == action {
			return true
		}
	}
	return false
}

// SetLockTimeout bounds lock waits for the rest of the transaction.
func (r *PostgresRepository) SetLockTimeout(ctx context.Context, d time.Duration) error {
	_, err := r.exec(ctx, fmt.Sprintf(`SET LOCAL lock_timeout = %d`, d.Milliseconds()))
	return err
}

func (r *PostgresRepository) LockTables(ctx context.Context, tables ...string) error {
	_, err := r.exec(ctx, `LOCK TABLE `+dbx.Idents(tables)+` IN ACCESS EXCLUSIVE MODE`)
	return err
}

func (r *PostgresRepository) RenameTable(ctx context.Context, from, to string) error {
	_, err := r.exec(ctx, `ALTER TABLE `+dbx.Ident(from)+` RENAME TO `+dbx.Ident(to))
	return err
}

func (r *PostgresRepository) Indexes(ctx context.Context, table string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT indexname FROM pg_indexes WHERE schemaname = current_schema() AND tablename = $1 ORDER BY indexname`, table)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (r *PostgresRepository) RenameIndex(ctx context.Context, from, to string) error {
	_, err := r.exec(ctx, `ALTER INDEX `+dbx.Ident(from)+` RENAME TO `+dbx.Ident(to))
	return err
}

func (r *PostgresRepository) DropTable(ctx context.Context, table string) error {
	_, err := r.exec(ctx, `DROP TABLE IF EXISTS `+dbx.Ident(table))
	return err
}
