// Package schema implements the schema orchestrator: the prepare phase
// (drop FKs -> drop tables -> create tables -> create source-side
// materialized views) that runs before any table's data load, and the
// complete phase (reset sequences -> promote PKs -> add FKs -> add
// comments) that runs after every writer and every index task has
// finished.
package schema

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/jdauphine/loadpg/internal/indexkernel"
	"github.com/jdauphine/loadpg/internal/logging"
	"github.com/jdauphine/loadpg/internal/model"
	"github.com/jdauphine/loadpg/internal/pgsession"
	"github.com/jdauphine/loadpg/internal/stats"
)

// SourceExecer runs a statement against a source-side connection outside
// PostgreSQL. *sql.DB already satisfies this.
type SourceExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// MaterializedView names a source-side view to create before this table's
// load starts, and the statement to tear it back down with if prepare
// fails partway through.
type MaterializedView struct {
	Exec      SourceExecer
	CreateSQL string
	DropSQL   string
}

// PrepareOptions controls which steps of the prepare phase run.
type PrepareOptions struct {
	ForeignKeys       bool
	IncludeDrop       bool
	CreateTables      bool
	DataOnly          bool
	MaterializedViews []MaterializedView
}

// Orchestrator runs the prepare and complete phases for a set of tables
// against one PostgreSQL target.
type Orchestrator struct {
	mgr          *pgsession.Manager
	stats        *stats.Collector
	tables       []*model.TableSpec
	createdViews []MaterializedView
}

// New constructs an Orchestrator for tables.
func New(mgr *pgsession.Manager, collector *stats.Collector, tables []*model.TableSpec) *Orchestrator {
	return &Orchestrator{mgr: mgr, stats: collector, tables: tables}
}

// Prepare runs the prepare phase in one PG transaction per logical change
// group. A failure here is fatal for the run.
func (o *Orchestrator) Prepare(ctx context.Context, opts PrepareOptions) error {
	err := o.mgr.WithSession(ctx, func(s *pgsession.Session) error {
		return s.WithTransaction(ctx, func(ctx context.Context) error {
			if opts.ForeignKeys && opts.IncludeDrop {
				if err := o.dropForeignKeys(ctx, s); err != nil {
					return err
				}
			}
			if opts.CreateTables && !opts.DataOnly {
				if opts.IncludeDrop {
					if err := o.dropTables(ctx, s); err != nil {
						return err
					}
				}
				if err := o.createTables(ctx, s); err != nil {
					return err
				}
				if err := o.createMaterializedViews(ctx, opts.MaterializedViews); err != nil {
					return err
				}
				if err := o.assignOIDs(ctx, s); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		o.dropMaterializedViews(ctx, o.createdViews)
		o.createdViews = nil
	}
	return err
}

func (o *Orchestrator) dropForeignKeys(ctx context.Context, s *pgsession.Session) error {
	for _, t := range o.tables {
		for _, idx := range t.Indexes {
			if idx.ConstraintDef == "" || idx.ConstraintName == "" {
				continue
			}
			if !isForeignKey(idx.ConstraintDef) {
				continue
			}
			sql := fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s",
				t.QualifiedName(), model.QuoteIdentifier(idx.ConstraintName))
			if _, err := s.ExecTimed(ctx, "Foreign Keys", sql, o.stats); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) dropTables(ctx context.Context, s *pgsession.Session) error {
	for _, t := range o.tables {
		sql := fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", t.QualifiedName())
		if _, err := s.ExecTimed(ctx, ddlLabel(t), sql, o.stats); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) createTables(ctx context.Context, s *pgsession.Session) error {
	for _, t := range o.tables {
		sql := buildCreateTableSQL(t)
		if _, err := s.ExecTimed(ctx, ddlLabel(t), sql, o.stats); err != nil {
			return err
		}
	}
	return nil
}

// createMaterializedViews runs each view's source-side CREATE SQL, in
// order. If one fails partway through, every view created before it in
// this call is dropped (via dropMaterializedViews) before the error is
// returned, per the prepare phase's "views created on the source side
// must be dropped before returning" failure contract.
func (o *Orchestrator) createMaterializedViews(ctx context.Context, views []MaterializedView) error {
	created := make([]MaterializedView, 0, len(views))
	for _, v := range views {
		if _, err := v.Exec.ExecContext(ctx, v.CreateSQL); err != nil {
			o.dropMaterializedViews(ctx, created)
			return fmt.Errorf("schema: creating materialized view: %w", err)
		}
		created = append(created, v)
	}
	o.createdViews = created
	return nil
}

// dropMaterializedViews runs each view's DropSQL, logging (not failing) on
// an individual drop error so one stuck view doesn't mask the original
// prepare failure that triggered the cleanup.
func (o *Orchestrator) dropMaterializedViews(ctx context.Context, views []MaterializedView) {
	for _, v := range views {
		if _, err := v.Exec.ExecContext(ctx, v.DropSQL); err != nil {
			logging.Warn("schema: dropping materialized view after prepare failure: %v", err)
		}
	}
}

// ddlLabel names the stats label a table's prepare-phase DDL is recorded
// under, kept distinct from the table's own load-phase label (the table
// name) so Render's "before load" and "load" sections don't merge.
func ddlLabel(t *model.TableSpec) string {
	return "DDL " + t.Name
}

// DDLLabels returns the stats labels touched by Prepare, for callers
// building a Render report.
func (o *Orchestrator) DDLLabels() []string {
	labels := make([]string, len(o.tables))
	for i, t := range o.tables {
		labels[i] = ddlLabel(t)
	}
	return labels
}

// buildCreateTableSQL renders a direct templated CREATE TABLE statement.
func buildCreateTableSQL(t *model.TableSpec) string {
	sql := fmt.Sprintf("CREATE TABLE %s (\n", t.QualifiedName())
	for i, col := range t.Columns {
		if i > 0 {
			sql += ",\n"
		}
		sql += "  " + model.QuoteIdentifier(col.Name) + " " + col.TargetType
		if !col.Nullable {
			sql += " NOT NULL"
		}
		if col.Default != "" {
			sql += " DEFAULT " + col.Default
		}
	}
	sql += "\n)"
	return sql
}

func (o *Orchestrator) assignOIDs(ctx context.Context, s *pgsession.Session) error {
	for _, t := range o.tables {
		sql := fmt.Sprintf(
			"SELECT c.oid FROM pg_class c JOIN pg_namespace n ON n.oid = c.relnamespace WHERE n.nspname = $1 AND c.relname = $2")
		row := s.Conn().QueryRow(ctx, sql, schemaOrPublic(t.Schema), t.Name)
		var oid uint32
		if err := row.Scan(&oid); err != nil {
			return fmt.Errorf("schema: resolving oid for %s: %w", t.QualifiedName(), err)
		}
		t.OID = oid
		for i := range t.Indexes {
			t.Indexes[i].Table = t
		}
	}
	return nil
}

// resetSequences reissues setval() for every sequence owned by t's columns,
// via a single server-side DO block rather than a per-column round trip.
// The block reports how many sequences it touched with pg_notify so the
// orchestrator can confirm completion without polling; it always notifies
// exactly once, even when the table owns zero sequences, so WaitForNotification
// never blocks waiting on a notify that would otherwise not come.
func (o *Orchestrator) resetSequences(ctx context.Context, s *pgsession.Session, t *model.TableSpec) error {
	if _, err := s.Conn().Exec(ctx, "LISTEN seqs"); err != nil {
		return fmt.Errorf("schema: listening for sequence reset on %s: %w", t.QualifiedName(), err)
	}
	defer s.Conn().Exec(context.Background(), "UNLISTEN seqs")

	sql := fmt.Sprintf(`
DO $$
DECLARE
  n int := 0;
  r record;
BEGIN
  FOR r IN
    SELECT a.attname AS colname,
           pg_get_serial_sequence(%[1]s, a.attname) AS seqname
    FROM pg_attribute a
    WHERE a.attrelid = %[2]d AND a.attnum > 0 AND NOT a.attisdropped
  LOOP
    IF r.seqname IS NOT NULL THEN
      EXECUTE format('SELECT setval(%%L, COALESCE((SELECT MAX(%%I) FROM %[3]s), 1))', r.seqname, r.colname);
      n := n + 1;
    END IF;
  END LOOP;
  PERFORM pg_notify('seqs', n::text);
END
$$;`, quoteStringLiteral(t.QualifiedName()), t.OID, t.QualifiedName())

	if _, err := s.ExecTimed(ctx, "Sequences", sql, o.stats); err != nil {
		return fmt.Errorf("schema: resetting sequences for %s: %w", t.QualifiedName(), err)
	}

	if _, err := s.Conn().WaitForNotification(ctx); err != nil {
		return fmt.Errorf("schema: waiting for sequence reset notification on %s: %w", t.QualifiedName(), err)
	}
	return nil
}

func quoteStringLiteral(s string) string {
	return "'" + s + "'"
}

func schemaOrPublic(s string) string {
	if s == "" {
		return "public"
	}
	return s
}

func isForeignKey(constraintDef string) bool {
	return len(constraintDef) >= 11 && constraintDef[:11] == "FOREIGN KEY"
}

// CompleteOptions controls which steps of the complete phase run.
type CompleteOptions struct {
	ResetSequences bool
	ForeignKeys    bool
	DataOnly       bool
}

// Complete runs the complete phase: reset sequences, promote collected
// UNIQUE indexes to PRIMARY KEYs, add FKs, and apply comments. kernel's
// UniqueIndexes (if non-nil) supplies the indexes built by the index
// kernel during data loading.
func (o *Orchestrator) Complete(ctx context.Context, opts CompleteOptions, kernel *indexkernel.Kernel, comments map[string]string) error {
	if opts.ResetSequences {
		for _, t := range o.tables {
			if err := o.mgr.WithSession(ctx, func(s *pgsession.Session) error {
				return o.resetSequences(ctx, s, t)
			}); err != nil {
				return err
			}
		}
	}

	if kernel != nil {
		if err := o.promotePrimaryKeys(ctx, kernel.UniqueIndexes()); err != nil {
			return err
		}
	}

	if opts.ForeignKeys && !opts.DataOnly {
		if err := o.addForeignKeys(ctx); err != nil {
			return err
		}
	}

	return o.applyComments(ctx, comments)
}

func (o *Orchestrator) promotePrimaryKeys(ctx context.Context, uniques []*model.IndexSpec) error {
	return o.mgr.WithSession(ctx, func(s *pgsession.Session) error {
		for _, idx := range uniques {
			sql := fmt.Sprintf("ALTER TABLE %s ADD PRIMARY KEY USING INDEX %s",
				idx.Table.QualifiedName(), model.QuoteIdentifier(idx.Name))
			if _, err := s.ExecTimed(ctx, "Primary Keys", sql, o.stats); err != nil {
				return fmt.Errorf("schema: promoting %s to primary key: %w", idx.Name, err)
			}
		}
		return nil
	})
}

func (o *Orchestrator) addForeignKeys(ctx context.Context) error {
	return o.mgr.WithSession(ctx, func(s *pgsession.Session) error {
		for _, t := range o.tables {
			for _, idx := range t.Indexes {
				if !isForeignKey(idx.ConstraintDef) {
					continue
				}
				sql := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s",
					t.QualifiedName(), model.QuoteIdentifier(idx.ConstraintName), idx.ConstraintDef)
				if _, err := s.ExecTimed(ctx, "Foreign Keys", sql, o.stats); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// applyComments applies table/column comments using dollar-quoting with a
// random 11-character tag ([A-Z]{5}_[A-Z]{5}) to avoid injection in
// comment bodies.
func (o *Orchestrator) applyComments(ctx context.Context, comments map[string]string) error {
	if len(comments) == 0 {
		return nil
	}
	return o.mgr.WithSession(ctx, func(s *pgsession.Session) error {
		for target, body := range comments {
			tag := randomTag()
			sql := fmt.Sprintf("COMMENT ON %s IS $%s$%s$%s$", target, tag, body, tag)
			if _, err := s.ExecTimed(ctx, "Comments", sql, o.stats); err != nil {
				return err
			}
		}
		return nil
	})
}

const tagAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// randomTag generates an 11-character dollar-quote tag of the form
// [A-Z]{5}_[A-Z]{5}, drawing its randomness from a UUIDv4 so the tag is
// vanishingly unlikely to collide with the comment body itself.
func randomTag() string {
	id := uuid.New()
	b := make([]byte, 11)
	for i := 0; i < 5; i++ {
		b[i] = tagAlphabet[int(id[i])%len(tagAlphabet)]
	}
	b[5] = '_'
	for i := 6; i < 11; i++ {
		b[i] = tagAlphabet[int(id[i])%len(tagAlphabet)]
	}
	return string(b)
}
