package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/jdauphine/loadpg/internal/config"
	"github.com/jdauphine/loadpg/internal/errs"
	"github.com/jdauphine/loadpg/internal/indexkernel"
	"github.com/jdauphine/loadpg/internal/logging"
	"github.com/jdauphine/loadpg/internal/model"
	"github.com/jdauphine/loadpg/internal/pgsession"
	"github.com/jdauphine/loadpg/internal/pipeline"
	"github.com/jdauphine/loadpg/internal/progress"
	"github.com/jdauphine/loadpg/internal/reader"
	"github.com/jdauphine/loadpg/internal/schema"
	"github.com/jdauphine/loadpg/internal/stats"
	"github.com/jdauphine/loadpg/internal/util"
	"github.com/jdauphine/loadpg/internal/version"
	"github.com/jdauphine/loadpg/internal/writer"
)

func main() {
	app := &cli.App{
		Name:    version.Name,
		Usage:   version.Description,
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "debug, info, warn, or error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "text or json",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Load every configured table into the target",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "tables",
						Usage: "Comma-separated subset of configured table names to load (default: all)",
					},
				},
				Action: runLoad,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Error("%v", err)
		os.Exit(1)
	}
}

func runLoad(c *cli.Context) error {
	if lvl, err := logging.ParseLevel(c.String("log-level")); err == nil {
		logging.SetLevel(lvl)
	}
	logging.SetFormat(c.String("log-format"))

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if only := util.SplitTableNames(c.String("tables")); only != nil {
		cfg.Tables = filterTables(cfg.Tables, only)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Warn("interrupted, cancelling in-flight work")
		cancel()
	}()

	return Run(ctx, cfg, os.Stdout)
}

// Run executes the full lifecycle of one loading run: schema prepare,
// every table's reader/writer pipeline (with index builds scheduled as
// each table finishes), schema complete, and a final stats report to
// report.
func Run(ctx context.Context, cfg *config.Config, report io.Writer) error {
	collector := stats.New()

	pgSettings := make([]pgsession.Setting, len(cfg.Settings))
	for i, s := range cfg.Settings {
		pgSettings[i] = pgsession.Setting{Name: s.Name, Value: s.Value}
	}
	mgr, err := pgsession.Open(ctx, cfg.Target.DSN(), 8, pgSettings)
	if err != nil {
		return fmt.Errorf("connecting to target: %w", err)
	}
	defer mgr.Close()

	tables := make([]*model.TableSpec, len(cfg.Tables))
	for i, tc := range cfg.Tables {
		spec, err := tc.TableSpec()
		if err != nil {
			return fmt.Errorf("table %s: %w", tc.Name, err)
		}
		tables[i] = spec
	}

	orch := schema.New(mgr, collector, tables)

	matViews, matViewDBs, err := buildMaterializedViews(cfg)
	if err != nil {
		return fmt.Errorf("preparing materialized views: %w", err)
	}
	prepErr := orch.Prepare(ctx, schema.PrepareOptions{
		ForeignKeys:       cfg.ForeignKeys,
		IncludeDrop:       cfg.IncludeDrop,
		CreateTables:      true,
		DataOnly:          cfg.DataOnly,
		MaterializedViews: matViews,
	})
	for _, db := range matViewDBs {
		db.Close()
	}
	if prepErr != nil {
		return fmt.Errorf("preparing schema: %w", prepErr)
	}

	kernel := indexkernel.New(ctx, model.MaxIndexFanout(tables), buildIndexFunc(mgr, collector), collector)
	kernel.Start()

	var loadLabels []string
	for i, tc := range cfg.Tables {
		loadLabels = append(loadLabels, tc.Name)
		if err := loadTable(ctx, cfg, tc, tables[i], mgr, collector, kernel); err != nil {
			var notFound *errs.NotFoundError
			if errors.As(err, &notFound) {
				logging.Error("table %s: %v (skipping)", tc.Name, err)
				continue
			}
			if errs.IsFatal(err) {
				logging.Error("table %s: unreachable source or target, aborting run: %v", tc.Name, err)
			}
			return fmt.Errorf("loading table %s: %w", tc.Name, err)
		}
	}

	if err := kernel.Wait(); err != nil {
		logging.Error("one or more index builds failed: %v", err)
	}

	comments := make(map[string]string)
	for i, tc := range cfg.Tables {
		if tc.Comment != "" {
			comments["TABLE "+tables[i].QualifiedName()] = tc.Comment
		}
	}

	if err := orch.Complete(ctx, schema.CompleteOptions{
		ResetSequences: cfg.ResetSequences,
		ForeignKeys:    cfg.ForeignKeys,
		DataOnly:       cfg.DataOnly,
	}, kernel, comments); err != nil {
		return fmt.Errorf("completing schema: %w", err)
	}

	stats.Render(report, collector, orch.DDLLabels(), loadLabels, []string{"Create Indexes", "Primary Keys"}, []string{"Sequences", "Foreign Keys", "Comments"})
	return nil
}

// loadTable runs one table's reader/writer pipeline, with a progress bar
// driven off the table's own "rows" counter, then schedules that table's
// index builds onto the shared kernel.
func loadTable(ctx context.Context, cfg *config.Config, tc config.TableConfig, spec *model.TableSpec, mgr *pgsession.Manager, collector *stats.Collector, kernel *indexkernel.Kernel) error {
	src := tc.EffectiveSource(cfg.Source)
	rd, err := reader.NewReader(src.URI, reader.Options{
		Encoding:   src.Encoding,
		SkipLines:  src.EffectiveSkipLines(),
		Fields:     toReaderFields(src.Fields),
		TableName:  tc.Name,
		ColumnList: spec.ColumnNames(),
		Columns:    spec.Columns,
	})
	if err != nil {
		return err
	}
	rd.WithStats(collector, tc.Name)

	w := writer.New(mgr, spec, writer.Options{
		Columns:         spec.ColumnNames(),
		Truncate:        cfg.Truncate,
		DisableTriggers: cfg.DisableTriggers,
	}, collector, tc.Name)

	tracker := progress.New()
	tracker.SetTotal(0)
	watchCtx, stopWatch := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go func() {
		tracker.Watch(watchCtx, collector, tc.Name, 200*time.Millisecond)
		close(watchDone)
	}()

	control := pipeline.BatchControl(tc.Batch)
	err = pipeline.Run(ctx, tc.Name, rd, func(ctx context.Context, queue <-chan *model.Batch) error {
		_, err := w.CopyFromQueue(ctx, queue)
		return err
	}, control, collector)

	stopWatch()
	<-watchDone
	tracker.Finish()

	if err != nil {
		return err
	}

	if cfg.IndexNames == config.IndexNamesUniquify {
		for i := range spec.Indexes {
			spec.Indexes[i].Uniquify()
		}
	}
	for i := range spec.Indexes {
		idx := &spec.Indexes[i]
		if idx.SQL == "" {
			continue
		}
		kernel.Submit(idx)
	}
	return nil
}

// buildIndexFunc adapts one CREATE INDEX statement into the shape the
// index kernel's worker pool expects: idx.SQL is a template with one %s
// verb already in place of the (possibly uniquified) index name.
func buildIndexFunc(mgr *pgsession.Manager, collector *stats.Collector) indexkernel.BuildFunc {
	return func(ctx context.Context, idx *model.IndexSpec) error {
		return mgr.WithSession(ctx, func(s *pgsession.Session) error {
			timer := collector.ScopedTimer("Create Indexes")
			defer timer.Stop()
			_, err := s.Conn().Exec(ctx, formatIndexSQL(idx.SQL, idx.Name))
			return err
		})
	}
}

// formatIndexSQL substitutes name, quoted as an identifier, into sqlTemplate's
// single %s verb.
func formatIndexSQL(sqlTemplate, name string) string {
	return fmt.Sprintf(sqlTemplate, model.QuoteIdentifier(name))
}

// filterTables keeps only the tables named in only, preserving their
// configured order.
func filterTables(tables []config.TableConfig, only []string) []config.TableConfig {
	wanted := make(map[string]bool, len(only))
	for _, name := range only {
		wanted[name] = true
	}
	out := make([]config.TableConfig, 0, len(tables))
	for _, t := range tables {
		if wanted[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

// buildMaterializedViews opens one source connection per table that
// configures a materialized view (pre-created against the source before
// that table is treated as a source table) and returns the schema
// orchestrator inputs plus the opened *sql.DB handles, which the caller
// must close once Prepare has run.
func buildMaterializedViews(cfg *config.Config) ([]schema.MaterializedView, []*sql.DB, error) {
	var views []schema.MaterializedView
	var dbs []*sql.DB
	for _, tc := range cfg.Tables {
		if tc.MaterializedView == nil {
			continue
		}
		src := tc.EffectiveSource(cfg.Source)
		if !strings.HasPrefix(src.URI, "mysql://") {
			return nil, dbs, fmt.Errorf("table %s: materialized view requires a mysql:// source, got %q", tc.Name, src.URI)
		}
		db, err := reader.OpenExecDB(src.URI, src.Encoding)
		if err != nil {
			return nil, dbs, err
		}
		dbs = append(dbs, db)
		views = append(views, schema.MaterializedView{
			Exec:      db,
			CreateSQL: tc.MaterializedView.CreateSQL,
			DropSQL:   tc.MaterializedView.EffectiveDropSQL(),
		})
	}
	return views, dbs, nil
}

func toReaderFields(fields []config.FieldSpec) []reader.FieldSpec {
	out := make([]reader.FieldSpec, len(fields))
	for i, f := range fields {
		out[i] = reader.FieldSpec{Name: f.Name, Start: f.Start, Length: f.Length}
	}
	return out
}
