// Package config loads a migration run's configuration from a YAML file
// plus CLI flag overrides, and fills a missing target user from the USER
// environment variable. The MySQL source's environment fallbacks are
// resolved by internal/reader when it builds the MySQL DSN.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jdauphine/loadpg/internal/model"
)

// SourceConfig describes where rows are read from.
type SourceConfig struct {
	// URI is any of the forms documented for source URIs: fixed://,
	// mysql://, stdin, inline, http(s)://, or a filename glob.
	URI string `yaml:"uri"`

	// Encoding is the byte encoding of the source (fixed-width files) or
	// the per-connection charset (MySQL). Defaults to "utf-8".
	Encoding string `yaml:"encoding"`

	// SkipLines and SkipLine both accept the number of leading lines to
	// discard before reading fixed-width records. Both spellings are
	// accepted; SkipLines wins if both are set (see DESIGN.md Open
	// Question 2).
	SkipLines int `yaml:"skip-lines"`
	SkipLine  int `yaml:"skip-line"`

	Fields []FieldSpec `yaml:"fields"`
}

// EffectiveSkipLines resolves the skip-lines/skip-line ambiguity.
func (s SourceConfig) EffectiveSkipLines() int {
	if s.SkipLines != 0 {
		return s.SkipLines
	}
	return s.SkipLine
}

// SourceOverride names the subset of a table's source configuration that
// may differ from the run's global default, e.g. one table decoded with a
// different charset than the rest. Any zero field falls back to the
// global value.
type SourceOverride struct {
	URI       string      `yaml:"uri"`
	Encoding  string      `yaml:"encoding"`
	SkipLines int         `yaml:"skip-lines"`
	SkipLine  int         `yaml:"skip-line"`
	Fields    []FieldSpec `yaml:"fields"`
}

// FieldSpec describes one fixed-width field: its name and its
// half-open byte range [Start, Start+Length) within each line.
type FieldSpec struct {
	Name   string `yaml:"name"`
	Start  int    `yaml:"start"`
	Length int    `yaml:"length"`
}

// TargetConfig describes the PostgreSQL target.
type TargetConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	Schema   string `yaml:"schema"`
}

// ConnectionSpec converts t into the model's immutable connection spec. A
// "unix:" host is carried through unchanged (no port suffix); DSN
// resolves the TCP-vs-local-socket distinction from it.
func (t TargetConfig) ConnectionSpec() model.ConnectionSpec {
	mode := model.TLSPrefer
	switch t.SSLMode {
	case "disable":
		mode = model.TLSOff
	case "require", "verify-ca", "verify-full":
		mode = model.TLSRequire
	}
	host := t.Host
	if t.Port != 0 && !strings.HasPrefix(host, "unix:") {
		host = fmt.Sprintf("%s:%d", t.Host, t.Port)
	}
	return model.ConnectionSpec{
		Host:     host,
		User:     t.User,
		Password: t.Password,
		DBName:   t.Database,
		TLSMode:  mode,
	}
}

// DSN renders a postgres:// DSN from t. A host of the form
// "unix:/path/to/socket/dir" (per model.ConnectionSpec.IsUnixSocket) is
// rendered as pgx's documented socket-directory form, a bare-host URL with
// the directory carried in the "host" query parameter, rather than the
// nonsensical "postgres://user:pw@unix:/path...:5432/db" a plain TCP
// rendering would produce.
func (t TargetConfig) DSN() string {
	spec := t.ConnectionSpec()
	sslmode := t.SSLMode
	if sslmode == "" {
		sslmode = "prefer"
	}
	if spec.IsUnixSocket() {
		return fmt.Sprintf("postgres://%s:%s@/%s?host=%s&sslmode=%s",
			t.User, t.Password, t.Database, url.QueryEscape(spec.SocketDir()), sslmode)
	}
	host := t.Host
	if host == "" {
		host = "localhost"
	}
	port := t.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		t.User, t.Password, host, port, t.Database, sslmode)
}

// Setting is one (name, value) pair applied to every new session via
// "SET [LOCAL] name TO 'value'".
type Setting struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// BatchControl bounds one table's pipeline.
type BatchControl struct {
	Rows              int `yaml:"batch-rows"`
	Bytes             int `yaml:"batch-bytes"`
	ConcurrentBatches int `yaml:"concurrent-batches"`
}

// DefaultBatchControl returns the batch-control defaults used when a
// table's configuration omits them.
func DefaultBatchControl() BatchControl {
	return BatchControl{Rows: 1000, Bytes: 4 << 20, ConcurrentBatches: 4}
}

// applyDefaults fills zero fields of b with DefaultBatchControl's values.
func (b BatchControl) applyDefaults() BatchControl {
	d := DefaultBatchControl()
	if b.Rows == 0 {
		b.Rows = d.Rows
	}
	if b.Bytes == 0 {
		b.Bytes = d.Bytes
	}
	if b.ConcurrentBatches == 0 {
		b.ConcurrentBatches = d.ConcurrentBatches
	}
	return b
}

// IndexNamePolicy controls how the schema orchestrator resolves index name
// collisions.
type IndexNamePolicy string

const (
	IndexNamesUniquify IndexNamePolicy = "uniquify"
	IndexNamesPreserve IndexNamePolicy = "preserve"
)

// ColumnConfig describes one column of a table's target schema, in COPY
// order.
type ColumnConfig struct {
	Name       string `yaml:"name"`
	SourceType string `yaml:"source-type"`
	TargetType string `yaml:"target-type"`
	Nullable   bool   `yaml:"nullable"`
	Default    string `yaml:"default"`

	// Transform names one of namedTransforms, applied to every cell read
	// for this column before it is framed into a Batch. Empty means no
	// transform.
	Transform string `yaml:"transform"`
}

// namedTransforms are the per-row cell transforms a column may request by
// name; resolveTransform looks a configured name up here.
var namedTransforms = map[string]func(string) string{
	"trim":  strings.TrimSpace,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

func resolveTransform(name string) (func(string) string, error) {
	if name == "" {
		return nil, nil
	}
	fn, ok := namedTransforms[name]
	if !ok {
		return nil, fmt.Errorf("config: unknown column transform %q", name)
	}
	return fn, nil
}

// IndexConfig describes one index or constraint to build on a table after
// its data load completes.
type IndexConfig struct {
	Name           string `yaml:"name"`
	SQL            string `yaml:"sql"` // full CREATE INDEX statement; %s is replaced with the resolved index name
	Primary        bool   `yaml:"primary"`
	Unique         bool   `yaml:"unique"`
	ConstraintName string `yaml:"constraint-name"`
	ConstraintDef  string `yaml:"constraint-def"`
}

// MaterializedViewConfig names a source-side view to create during schema
// prepare, before this table is read. The table's reader selects from the
// source object named by TableConfig.Name, so the view is what gets read
// only when Name matches it. Only meaningful for a mysql:// source;
// CreateSQL/DropSQL are run against the table's effective source
// connection, not the PostgreSQL target.
type MaterializedViewConfig struct {
	Name      string `yaml:"name"`
	CreateSQL string `yaml:"create-sql"`
	DropSQL   string `yaml:"drop-sql"`
}

// EffectiveDropSQL returns DropSQL, or a default "DROP VIEW IF EXISTS"
// statement against Name (MySQL backtick-quoted) when DropSQL is unset.
func (m MaterializedViewConfig) EffectiveDropSQL() string {
	if m.DropSQL != "" {
		return m.DropSQL
	}
	return fmt.Sprintf("DROP VIEW IF EXISTS `%s`", strings.ReplaceAll(m.Name, "`", "``"))
}

// TableConfig names one table to migrate and its source/target shape. A
// mapping file supplies Columns/Indexes explicitly; a future schema
// introspection pass could populate the same fields from the source
// database instead.
type TableConfig struct {
	Name             string                  `yaml:"name"`
	Schema           string                  `yaml:"schema"`
	Columns          []ColumnConfig          `yaml:"columns"`
	Indexes          []IndexConfig           `yaml:"indexes"`
	Comment          string                  `yaml:"comment"`
	Batch            BatchControl            `yaml:"batch"`
	Source           *SourceOverride         `yaml:"source"`
	MaterializedView *MaterializedViewConfig `yaml:"materialized-view"`
}

// EffectiveSource resolves this table's source configuration, applying any
// per-table override in t.Source on top of the run's global default. This
// is how one table (e.g. decoded in a different charset than the rest)
// diverges from the global source block without every other table having
// to repeat it.
func (t TableConfig) EffectiveSource(global SourceConfig) SourceConfig {
	eff := global
	if t.Source == nil {
		return eff
	}
	if t.Source.URI != "" {
		eff.URI = t.Source.URI
	}
	if t.Source.Encoding != "" {
		eff.Encoding = t.Source.Encoding
	}
	if t.Source.SkipLines != 0 {
		eff.SkipLines = t.Source.SkipLines
	}
	if t.Source.SkipLine != 0 {
		eff.SkipLine = t.Source.SkipLine
	}
	if len(t.Source.Fields) > 0 {
		eff.Fields = t.Source.Fields
	}
	return eff
}

// TableSpec builds the model.TableSpec this table's pipeline, writer and
// schema orchestrator operate on. OID is left zero; the schema
// orchestrator fills it in once the table has been created. Every
// identifier drawn from configuration (table, schema, column and index/
// constraint names) is validated here, at the single point a TableSpec is
// assembled, rather than trusting the YAML file.
func (t TableConfig) TableSpec() (*model.TableSpec, error) {
	if err := model.ValidateIdentifier(t.Name); err != nil {
		return nil, fmt.Errorf("config: table name: %w", err)
	}
	if t.Schema != "" {
		if err := model.ValidateIdentifier(t.Schema); err != nil {
			return nil, fmt.Errorf("config: table %s: schema name: %w", t.Name, err)
		}
	}
	if t.MaterializedView != nil {
		if err := model.ValidateIdentifier(t.MaterializedView.Name); err != nil {
			return nil, fmt.Errorf("config: table %s: materialized view name: %w", t.Name, err)
		}
	}

	spec := &model.TableSpec{
		Schema:  t.Schema,
		Name:    t.Name,
		Columns: make([]model.ColumnSpec, len(t.Columns)),
		Indexes: make([]model.IndexSpec, len(t.Indexes)),
	}
	for i, c := range t.Columns {
		if err := model.ValidateIdentifier(c.Name); err != nil {
			return nil, fmt.Errorf("config: table %s: column name: %w", t.Name, err)
		}
		fn, err := resolveTransform(c.Transform)
		if err != nil {
			return nil, fmt.Errorf("config: table %s: column %s: %w", t.Name, c.Name, err)
		}
		spec.Columns[i] = model.ColumnSpec{
			Name:        c.Name,
			SourceType:  c.SourceType,
			TargetType:  c.TargetType,
			Nullable:    c.Nullable,
			Default:     c.Default,
			TransformFn: fn,
		}
	}
	for i, idx := range t.Indexes {
		if idx.Name != "" {
			if err := model.ValidateIdentifier(idx.Name); err != nil {
				return nil, fmt.Errorf("config: table %s: index name: %w", t.Name, err)
			}
		}
		if idx.ConstraintName != "" {
			if err := model.ValidateIdentifier(idx.ConstraintName); err != nil {
				return nil, fmt.Errorf("config: table %s: constraint name: %w", t.Name, err)
			}
		}
		spec.Indexes[i] = model.IndexSpec{
			Name:           idx.Name,
			Primary:        idx.Primary,
			Unique:         idx.Unique,
			SQL:            idx.SQL,
			ConstraintName: idx.ConstraintName,
			ConstraintDef:  idx.ConstraintDef,
		}
	}
	return spec, nil
}

// Config is the top-level configuration for one run.
type Config struct {
	Source SourceConfig `yaml:"source"`
	Target TargetConfig `yaml:"target"`

	Settings []Setting     `yaml:"settings"`
	Tables   []TableConfig `yaml:"tables"`

	IncludeDrop     bool            `yaml:"include_drop"`
	DataOnly        bool            `yaml:"data_only"`
	ForeignKeys     bool            `yaml:"foreign_keys"`
	ResetSequences  bool            `yaml:"reset_sequences"`
	DisableTriggers bool            `yaml:"disable_triggers"`
	Truncate        bool            `yaml:"truncate"`
	IndexNames      IndexNamePolicy `yaml:"index_names"`
}

// Load reads and parses a YAML config file, then resolves environment
// fallbacks and batch-control defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyEnvFallbacks()
	for i := range cfg.Tables {
		cfg.Tables[i].Batch = cfg.Tables[i].Batch.applyDefaults()
	}
	if cfg.IndexNames == "" {
		cfg.IndexNames = IndexNamesUniquify
	}
	return &cfg, nil
}

// applyEnvFallbacks fills a missing PostgreSQL target user from USER. It
// does not touch the source URI; the MySQL fallbacks (USER, MYSQL_PWD,
// MYSQL_HOST, MYSQL_TCP_PORT) are applied by internal/reader.
func (c *Config) applyEnvFallbacks() {
	if c.Target.User == "" {
		c.Target.User = os.Getenv("USER")
	}
}
