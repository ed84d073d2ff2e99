package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesBatchDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
source:
  uri: "mysql://localhost/shop"
target:
  host: "localhost"
  database: "shop"
tables:
  - name: "orders"
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Tables) != 1 {
		t.Fatalf("len(Tables) = %d, want 1", len(cfg.Tables))
	}
	got := cfg.Tables[0].Batch
	want := DefaultBatchControl()
	if got != want {
		t.Errorf("Batch = %+v, want defaults %+v", got, want)
	}
	if cfg.IndexNames != IndexNamesUniquify {
		t.Errorf("IndexNames = %q, want %q", cfg.IndexNames, IndexNamesUniquify)
	}
}

func TestEffectiveSkipLinesAcceptsBothSpellings(t *testing.T) {
	cases := []struct {
		name string
		cfg  SourceConfig
		want int
	}{
		{"skip-lines only", SourceConfig{SkipLines: 3}, 3},
		{"skip-line only", SourceConfig{SkipLine: 2}, 2},
		{"both set, skip-lines wins", SourceConfig{SkipLines: 5, SkipLine: 9}, 5},
		{"neither set", SourceConfig{}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cfg.EffectiveSkipLines(); got != tc.want {
				t.Errorf("EffectiveSkipLines() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestTargetConfigDSNDefaults(t *testing.T) {
	cfg := TargetConfig{User: "svc", Password: "pw", Database: "shop"}
	dsn := cfg.DSN()
	want := "postgres://svc:pw@localhost:5432/shop?sslmode=prefer"
	if dsn != want {
		t.Errorf("DSN() = %q, want %q", dsn, want)
	}
}

func TestTargetConfigDSNUnixSocket(t *testing.T) {
	cfg := TargetConfig{User: "svc", Password: "pw", Database: "shop", Host: "unix:/var/run/postgresql"}
	dsn := cfg.DSN()
	want := "postgres://svc:pw@/shop?host=%2Fvar%2Frun%2Fpostgresql&sslmode=prefer"
	if dsn != want {
		t.Errorf("DSN() = %q, want %q", dsn, want)
	}
}

func TestTargetConfigConnectionSpecLeavesUnixHostPortless(t *testing.T) {
	cfg := TargetConfig{Host: "unix:/var/run/postgresql", Port: 5432}
	spec := cfg.ConnectionSpec()
	if !spec.IsUnixSocket() {
		t.Fatalf("IsUnixSocket() = false for Host %q", spec.Host)
	}
	if spec.SocketDir() != "/var/run/postgresql" {
		t.Errorf("SocketDir() = %q, want /var/run/postgresql", spec.SocketDir())
	}
}

func TestEffectiveDropSQLDefaultsToDropView(t *testing.T) {
	m := MaterializedViewConfig{Name: "orders_view"}
	want := "DROP VIEW IF EXISTS `orders_view`"
	if got := m.EffectiveDropSQL(); got != want {
		t.Errorf("EffectiveDropSQL() = %q, want %q", got, want)
	}

	m2 := MaterializedViewConfig{Name: "orders_view", DropSQL: "DROP VIEW orders_view"}
	if got := m2.EffectiveDropSQL(); got != "DROP VIEW orders_view" {
		t.Errorf("EffectiveDropSQL() = %q, want the configured override", got)
	}
}

func TestTableConfigTableSpecRejectsInvalidMaterializedViewName(t *testing.T) {
	tc := TableConfig{
		Name:             "orders",
		MaterializedView: &MaterializedViewConfig{Name: `v"iew`},
	}
	if _, err := tc.TableSpec(); err == nil {
		t.Error("TableSpec() = nil error, want rejection of the invalid materialized view name")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestTableConfigTableSpecCarriesColumnsAndIndexes(t *testing.T) {
	tc := TableConfig{
		Name:   "orders",
		Schema: "shop",
		Columns: []ColumnConfig{
			{Name: "id", TargetType: "bigint", Nullable: false},
			{Name: "note", TargetType: "text", Nullable: true},
		},
		Indexes: []IndexConfig{
			{Name: "orders_pkey", Primary: true, Unique: true, ConstraintDef: "PRIMARY KEY (id)"},
		},
	}

	spec, err := tc.TableSpec()
	if err != nil {
		t.Fatalf("TableSpec: %v", err)
	}
	if spec.QualifiedName() != `"shop"."orders"` {
		t.Errorf("QualifiedName() = %q", spec.QualifiedName())
	}
	if len(spec.Columns) != 2 || spec.Columns[0].Name != "id" || spec.Columns[1].Nullable != true {
		t.Errorf("Columns = %+v", spec.Columns)
	}
	if len(spec.Indexes) != 1 || !spec.Indexes[0].Primary {
		t.Errorf("Indexes = %+v", spec.Indexes)
	}
}

func TestTableConfigTableSpecRejectsInvalidIdentifiers(t *testing.T) {
	cases := []struct {
		name string
		tc   TableConfig
	}{
		{"bad table name", TableConfig{Name: `o"rders`}},
		{"bad schema name", TableConfig{Name: "orders", Schema: `sh"op`}},
		{"bad column name", TableConfig{Name: "orders", Columns: []ColumnConfig{{Name: `i"d`}}}},
		{"bad constraint name", TableConfig{Name: "orders", Indexes: []IndexConfig{{ConstraintName: `pk"ey`}}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := c.tc.TableSpec(); err == nil {
				t.Error("TableSpec() = nil error, want rejection of the invalid identifier")
			}
		})
	}
}

func TestTableConfigTableSpecResolvesNamedTransform(t *testing.T) {
	tc := TableConfig{
		Name:    "orders",
		Columns: []ColumnConfig{{Name: "note", Transform: "trim"}},
	}
	spec, err := tc.TableSpec()
	if err != nil {
		t.Fatalf("TableSpec: %v", err)
	}
	fn := spec.Columns[0].TransformFn
	if fn == nil {
		t.Fatal("TransformFn = nil, want the resolved \"trim\" function")
	}
	if got := fn("  padded  "); got != "padded" {
		t.Errorf("TransformFn(%q) = %q, want %q", "  padded  ", got, "padded")
	}
}

func TestTableConfigTableSpecRejectsUnknownTransform(t *testing.T) {
	tc := TableConfig{
		Name:    "orders",
		Columns: []ColumnConfig{{Name: "note", Transform: "reverse"}},
	}
	if _, err := tc.TableSpec(); err == nil {
		t.Error("TableSpec() = nil error, want rejection of an unknown transform name")
	}
}

func TestEffectiveSourceAppliesPerTableOverride(t *testing.T) {
	global := SourceConfig{URI: "mysql://localhost/shop", Encoding: "utf-8"}

	withOverride := TableConfig{Name: "orders", Source: &SourceOverride{Encoding: "latin1"}}
	got := withOverride.EffectiveSource(global)
	if got.URI != global.URI {
		t.Errorf("URI = %q, want the global default %q preserved", got.URI, global.URI)
	}
	if got.Encoding != "latin1" {
		t.Errorf("Encoding = %q, want the table override %q", got.Encoding, "latin1")
	}

	noOverride := TableConfig{Name: "customers"}
	got2 := noOverride.EffectiveSource(global)
	if got2.URI != global.URI || got2.Encoding != global.Encoding {
		t.Errorf("EffectiveSource() = %+v, want the global default unchanged %+v", got2, global)
	}
}
