package catalog

import (
	"context"
	"strings"

	"github.com/dmitrijs2005/mentorsync/internal/dbx"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
)

// syncName names both the trigger function and the trigger that copy writes
// from source into shadow.
func syncName(shadow, source string) string {
	return strings.ReplaceAll(shadow+"_sync_from_"+source, ".", "_")
}

// CreateShadowSync installs AFTER INSERT OR UPDATE row triggers on the
// primary and the overlay. A primary row is upserted into the shadow and
// then has its overlay values reapplied; an overlay row updates the shadow
// row sharing its key, with nulls leaving shadow values alone. Deletes are
// not carried over.
func (r *PostgresRepository) CreateShadowSync(ctx context.Context, sync models.ShadowSync) error {
	shadow := dbx.Ident(sync.Shadow)
	k := dbx.Ident(sync.Key)

	var primary strings.Builder
	primary.WriteString(`INSERT INTO ` + shadow + ` (` + dbx.Idents(sync.PrimaryColumns) + `) VALUES (` + prefixed("NEW", sync.PrimaryColumns) + `)`)
	if updates := without(sync.PrimaryColumns, sync.Key); len(updates) > 0 {
		sets := make([]string, len(updates))
		for i, c := range updates {
			sets[i] = dbx.Ident(c) + " = EXCLUDED." + dbx.Ident(c)
		}
		primary.WriteString(` ON CONFLICT (` + k + `) DO UPDATE SET ` + strings.Join(sets, ", ") + `;`)
	} else {
		primary.WriteString(` ON CONFLICT (` + k + `) DO NOTHING;`)
	}
	if len(sync.OverlayColumns) > 0 {
		primary.WriteString(`
		UPDATE ` + shadow + ` d SET ` + coalesceSets(sync.OverlayColumns, "o") + `
		FROM ` + dbx.Ident(sync.Overlay) + ` o
		WHERE o.` + k + ` = NEW.` + k + ` AND d.` + k + ` = NEW.` + k + `;`)
	}
	if err := r.createSyncTrigger(ctx, sync.Primary, syncName(sync.Shadow, sync.Primary), primary.String()); err != nil {
		return err
	}

	if len(sync.OverlayColumns) == 0 {
		return nil
	}
	overlay := `UPDATE ` + shadow + ` d SET ` + coalesceSets(sync.OverlayColumns, "NEW") + ` WHERE d.` + k + ` = NEW.` + k + `;`
	return r.createSyncTrigger(ctx, sync.Overlay, syncName(sync.Shadow, sync.Overlay), overlay)
}

func (r *PostgresRepository) createSyncTrigger(ctx context.Context, table, name, body string) error {
	fn := dbx.Ident(name)
	stmts := []string{
		`CREATE OR REPLACE FUNCTION ` + fn + `() RETURNS trigger LANGUAGE plpgsql AS $sync$
		BEGIN
		` + body + `
		RETURN NULL;
		END
		$sync$`,
		`DROP TRIGGER IF EXISTS ` + fn + ` ON ` + dbx.Ident(table),
		`CREATE TRIGGER ` + fn + ` AFTER INSERT OR UPDATE ON ` + dbx.Ident(table) + ` FOR EACH ROW EXECUTE FUNCTION ` + fn + `()`,
	}
	for _, s := range stmts {
		if _, err := r.exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// DropShadowSync removes the triggers wherever their tables now live. It is
// a no-op when they are already gone.
func (r *PostgresRepository) DropShadowSync(ctx context.Context, sync models.ShadowSync) error {
	for _, source := range []string{sync.Primary, sync.Overlay} {
		if _, err := r.exec(ctx, `DROP FUNCTION IF EXISTS `+dbx.Ident(syncName(sync.Shadow, source))+`() CASCADE`); err != nil {
			return err
		}
	}
	return nil
}

// coalesceSets assigns each column from alias, keeping d's value where
// alias has null.
func coalesceSets(cols []string, alias string) string {
	sets := make([]string, len(cols))
	for i, c := range cols {
		q := dbx.Ident(c)
		sets[i] = q + " = COALESCE(" + alias + "." + q + ", d." + q + ")"
	}
	return strings.Join(sets, ", ")
}

func without(names []string, drop string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != drop {
			out = append(out, n)
		}
	}
	return out
}
