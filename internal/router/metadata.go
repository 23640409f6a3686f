package router

import (
	"context"
	"fmt"

	"github.com/manifolddb/manifold/internal/config"
	"github.com/manifolddb/manifold/internal/srverr"
)

// TableColumn describes one column of a table.
type TableColumn struct {
	Name     string `db:"name" json:"name"`
	Type     string `db:"type" json:"type"`
	Nullable string `db:"nullable" json:"nullable"`
}

// metadataSQL holds the driver-specific introspection statements. The
// columns statement takes the table name as its single parameter, written
// with ? and rebound per driver.
type metadataSQL struct {
	databases string
	tables    string
	columns   string
}

func metadataFor(driver string) metadataSQL {
	switch driver {
	case config.DriverPostgres:
		return metadataSQL{
			databases: "SELECT datname FROM pg_database WHERE datistemplate = false ORDER BY datname",
			tables:    "SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' ORDER BY table_name",
			columns: "SELECT column_name AS name, data_type AS type, is_nullable AS nullable " +
				"FROM information_schema.columns WHERE table_schema = 'public' AND table_name = ? ORDER BY ordinal_position",
		}
	case config.DriverMSSQL:
		return metadataSQL{
			databases: "SELECT name FROM sys.databases ORDER BY name",
			tables:    "SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME",
			columns: "SELECT COLUMN_NAME AS name, DATA_TYPE AS type, IS_NULLABLE AS nullable " +
				"FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_NAME = ? ORDER BY ORDINAL_POSITION",
		}
	case config.DriverSQLite:
		return metadataSQL{
			databases: "SELECT name FROM pragma_database_list ORDER BY name",
			tables:    "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name",
			columns: "SELECT name, type, CASE \"notnull\" WHEN 0 THEN 'YES' ELSE 'NO' END AS nullable " +
				"FROM pragma_table_info(?)",
		}
	default:
		return metadataSQL{
			databases: "SHOW DATABASES",
			tables:    "SHOW TABLES",
			columns: "SELECT column_name AS name, data_type AS type, is_nullable AS nullable " +
				"FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position",
		}
	}
}

func (r *Router) metadata(env string) (metadataSQL, error) {
	cfg, err := r.reg.Get(env)
	if err != nil {
		return metadataSQL{}, err
	}
	return metadataFor(cfg.Driver), nil
}

// ListDatabases names the databases visible to an environment's
// credentials.
func (r *Router) ListDatabases(ctx context.Context, env string) ([]string, error) {
	env = r.resolve(env)
	meta, err := r.metadata(env)
	if err != nil {
		return nil, err
	}
	db, err := r.mgr.Conn(ctx, env)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := db.SelectContext(ctx, &names, meta.databases); err != nil {
		return nil, srverr.Query(env, meta.databases, err)
	}
	return names, nil
}

// ListTables names the base tables of an environment's configured
// database.
func (r *Router) ListTables(ctx context.Context, env string) ([]string, error) {
	env = r.resolve(env)
	meta, err := r.metadata(env)
	if err != nil {
		return nil, err
	}
	db, err := r.mgr.Conn(ctx, env)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := db.SelectContext(ctx, &names, meta.tables); err != nil {
		return nil, srverr.Query(env, meta.tables, err)
	}
	return names, nil
}

// DescribeTable lists a table's columns in ordinal order.
func (r *Router) DescribeTable(ctx context.Context, env, table string) ([]TableColumn, error) {
	env = r.resolve(env)
	if err := validateIdentifier(table); err != nil {
		return nil, err
	}
	meta, err := r.metadata(env)
	if err != nil {
		return nil, err
	}
	db, err := r.mgr.Conn(ctx, env)
	if err != nil {
		return nil, err
	}
	stmt := db.Rebind(meta.columns)
	var cols []TableColumn
	if err := db.SelectContext(ctx, &cols, stmt, table); err != nil {
		return nil, srverr.Query(env, stmt, err)
	}
	if len(cols) == 0 {
		return nil, srverr.Validation(fmt.Sprintf("table %q not found in environment %q", table, env), table)
	}
	return cols, nil
}

// SchemaComparison reports how one table's shape differs across
// environments.
type SchemaComparison struct {
	Table    string                   `json:"table"`
	Baseline string                   `json:"baseline"`
	Columns  map[string][]TableColumn `json:"columns"`
	Match    bool                     `json:"match"`
	Diffs    map[string][]string      `json:"diffs,omitempty"`
	Errors   map[string]string        `json:"errors,omitempty"`
}

// CompareTableSchema introspects one table in several environments and
// compares each against the first. An empty environment list targets every
// enabled environment.
func (r *Router) CompareTableSchema(ctx context.Context, envs []string, table string) (*SchemaComparison, error) {
	if len(envs) == 0 {
		envs = r.reg.ListEnabled()
	}
	if err := validateIdentifier(table); err != nil {
		return nil, err
	}

	cmp := &SchemaComparison{
		Table:    table,
		Baseline: envs[0],
		Columns:  make(map[string][]TableColumn, len(envs)),
		Match:    true,
	}
	for _, env := range envs {
		cols, err := r.DescribeTable(ctx, env, table)
		if err != nil {
			if cmp.Errors == nil {
				cmp.Errors = make(map[string]string)
			}
			cmp.Errors[env] = srverr.From(err).UserMessage()
			cmp.Match = false
			continue
		}
		cmp.Columns[env] = cols
	}

	base, ok := cmp.Columns[cmp.Baseline]
	if !ok {
		if len(cmp.Columns) == 0 {
			errs := make(map[string]*srverr.Error, len(cmp.Errors))
			for env, msg := range cmp.Errors {
				errs[env] = srverr.Environment(env, msg, srverr.CategoryConfiguration)
			}
			return nil, srverr.MultiEnvironment("compare_schema", errs, nil)
		}
		return cmp, nil
	}
	for env, cols := range cmp.Columns {
		if env == cmp.Baseline {
			continue
		}
		if diffs := columnDiffs(base, cols); len(diffs) > 0 {
			cmp.Match = false
			if cmp.Diffs == nil {
				cmp.Diffs = make(map[string][]string)
			}
			cmp.Diffs[env] = diffs
		}
	}
	return cmp, nil
}

func columnDiffs(base, other []TableColumn) []string {
	var diffs []string
	byName := make(map[string]TableColumn, len(other))
	for _, c := range other {
		byName[c.Name] = c
	}
	for _, b := range base {
		o, ok := byName[b.Name]
		if !ok {
			diffs = append(diffs, fmt.Sprintf("missing column %q", b.Name))
			continue
		}
		if b.Type != o.Type {
			diffs = append(diffs, fmt.Sprintf("column %q type %s vs baseline %s", b.Name, o.Type, b.Type))
		}
		if b.Nullable != o.Nullable {
			diffs = append(diffs, fmt.Sprintf("column %q nullable %s vs baseline %s", b.Name, o.Nullable, b.Nullable))
		}
		delete(byName, b.Name)
	}
	for name := range byName {
		diffs = append(diffs, fmt.Sprintf("extra column %q", name))
	}
	return diffs
}

// validateIdentifier rejects table names that could smuggle SQL into an
// introspection statement.
func validateIdentifier(name string) error {
	if name == "" {
		return srverr.Validation("table name is empty", "")
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_' || c == '$':
		default:
			return srverr.Validation(fmt.Sprintf("invalid table name %q", name), name)
		}
	}
	return nil
}
