package reader

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-sql-driver/mysql"

	"github.com/jdauphine/loadpg/internal/errs"
	"github.com/jdauphine/loadpg/internal/logging"
	"github.com/jdauphine/loadpg/internal/model"
	"github.com/jdauphine/loadpg/internal/stats"
)

// MySQLReader opens `SELECT col1, ... FROM \`table\`` with a configurable
// per-connection charset, substituting NULL for any cell whose bytes are
// not valid in that charset rather than aborting the query.
type MySQLReader struct {
	db       *sql.DB
	table    string
	columns  []string
	colSpecs []model.ColumnSpec // matched to columns by position, for per-column TransformFn
	stats    *stats.Collector
	label    string
}

// NewMySQLReader parses uri (mysql://[user[:password]@][host[:port]]/dbname)
// and opens a connection pool using the configured per-connection charset.
func NewMySQLReader(uri string, opts Options) (*MySQLReader, error) {
	if err := validate(opts); err != nil {
		return nil, err
	}
	if opts.TableName == "" {
		return nil, fmt.Errorf("reader: mysql source requires a table name")
	}

	dsn, err := buildMySQLDSN(uri, opts.Encoding)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, &errs.ConnectError{Host: uri, Err: err}
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errs.ConnectError{Host: uri, Err: err}
	}

	return &MySQLReader{db: db, table: opts.TableName, columns: opts.ColumnList, colSpecs: opts.Columns}, nil
}

// OpenExecDB opens a *sql.DB against a mysql:// uri for schema-level
// statements (e.g. materialized-view creation/teardown) that fall outside
// the Reader interface's row-streaming contract. Callers are responsible
// for closing the returned *sql.DB.
func OpenExecDB(uri, charset string) (*sql.DB, error) {
	dsn, err := buildMySQLDSN(uri, charset)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, &errs.ConnectError{Host: uri, Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errs.ConnectError{Host: uri, Err: err}
	}
	return db, nil
}

// WithStats implements Reader.
func (r *MySQLReader) WithStats(collector *stats.Collector, label string) {
	r.stats = collector
	r.label = label
}

// Close releases the underlying connection pool.
func (r *MySQLReader) Close() error { return r.db.Close() }

// MapRows implements Reader.
func (r *MySQLReader) MapRows(emit EmitFunc) error {
	cols := "*"
	if len(r.columns) > 0 {
		quoted := make([]string, len(r.columns))
		for i, c := range r.columns {
			quoted[i] = "`" + strings.ReplaceAll(c, "`", "``") + "`"
		}
		cols = strings.Join(quoted, ", ")
	}
	sqlText := fmt.Sprintf("SELECT %s FROM `%s`", cols, strings.ReplaceAll(r.table, "`", "``"))

	rows, err := r.db.Query(sqlText)
	if err != nil {
		if isTableNotFound(err) {
			return &errs.NotFoundError{What: r.table}
		}
		return err
	}
	defer rows.Close()

	colNames, err := rows.Columns()
	if err != nil {
		return err
	}
	n := len(colNames)
	scan := make([]interface{}, n)
	ptrs := make([]interface{}, n)
	for i := range scan {
		ptrs[i] = &scan[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		row := r.toRow(scan)
		r.incr("read", 1)
		if !emit(row) {
			return nil
		}
	}
	return rows.Err()
}

// toRow converts one scanned result row into model.Row, substituting NULL
// for the offending cell when a byte value is not valid UTF-8 text (the
// Go driver has already decoded it from the connection's configured
// charset; an invalid sequence at this point corresponds to the source
// system's EndOfInputInCharacter/CharacterDecodingError). A non-NULL cell
// is passed through the matching column's TransformFn, if one is
// configured.
func (r *MySQLReader) toRow(scan []interface{}) model.Row {
	row := make(model.Row, len(scan))
	for i, v := range scan {
		switch val := v.(type) {
		case nil:
			row[i] = nil
		case []byte:
			if !utf8.Valid(val) {
				logging.Error("reader: %v", &errs.DecodeError{
					Encoding: "utf-8",
					Position: invalidBytePosition(val),
					Err:      fmt.Errorf("invalid byte sequence in column %d", i),
				})
				r.incr("errs", 1)
				row[i] = nil
				continue
			}
			row[i] = model.StrPtr(r.transform(i, string(val)))
		default:
			row[i] = model.StrPtr(r.transform(i, fmt.Sprintf("%v", val)))
		}
	}
	return row
}

// transform applies the TransformFn configured for the column at position
// i, matching columns to the SELECT result by order, or returns cell
// unchanged if none applies.
func (r *MySQLReader) transform(i int, cell string) string {
	if i >= len(r.colSpecs) || r.colSpecs[i].TransformFn == nil {
		return cell
	}
	return r.colSpecs[i].TransformFn(cell)
}

func invalidBytePosition(b []byte) int {
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			return i
		}
		i += size
	}
	return len(b)
}

func (r *MySQLReader) incr(field string, n int64) {
	if r.stats != nil {
		r.stats.Incr(r.label, field, n)
	}
}

func isTableNotFound(err error) bool {
	var myErr *mysql.MySQLError
	if me, ok := err.(*mysql.MySQLError); ok {
		myErr = me
	}
	return myErr != nil && myErr.Number == 1146 // ER_NO_SUCH_TABLE
}

// buildMySQLDSN resolves a mysql:// URI into a go-sql-driver/mysql DSN,
// applying the environment-variable fallbacks named in the external
// interfaces section and the requested per-connection charset.
func buildMySQLDSN(uri, charsetName string) (string, error) {
	rest := strings.TrimPrefix(uri, "mysql://")
	var userInfo, hostDB string
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		userInfo, hostDB = rest[:at], rest[at+1:]
	} else {
		hostDB = rest
	}

	user, password := "", ""
	if userInfo != "" {
		if colon := strings.Index(userInfo, ":"); colon >= 0 {
			user, password = userInfo[:colon], userInfo[colon+1:]
		} else {
			user = userInfo
		}
	}

	host, port, dbname := "", "", ""
	slash := strings.Index(hostDB, "/")
	if slash < 0 {
		return "", fmt.Errorf("reader: mysql uri %q missing /dbname", uri)
	}
	hostPort, dbname := hostDB[:slash], hostDB[slash+1:]
	if colon := strings.Index(hostPort, ":"); colon >= 0 {
		host, port = hostPort[:colon], hostPort[colon+1:]
	} else {
		host = hostPort
	}

	user, password, host, port = resolveMySQLEnv(user, password, host, port)

	charset := "utf8mb4"
	switch strings.ToLower(charsetName) {
	case "", "utf-8", "utf8":
		charset = "utf8mb4"
	case "latin1", "iso-8859-1":
		charset = "latin1"
	default:
		charset = charsetName
	}

	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%s", host, port)
	cfg.DBName = dbname
	cfg.ParseTime = true
	cfg.Params = map[string]string{"charset": charset}
	return cfg.FormatDSN(), nil
}

// resolveMySQLEnv fills missing connection pieces from the environment
// variables named in the external interfaces section: USER, MYSQL_PWD,
// MYSQL_HOST (default localhost), MYSQL_TCP_PORT (default 3306).
func resolveMySQLEnv(user, password, host, port string) (u, p, h, prt string) {
	if user == "" {
		user = os.Getenv("USER")
	}
	if password == "" {
		password = os.Getenv("MYSQL_PWD")
	}
	if host == "" {
		host = os.Getenv("MYSQL_HOST")
		if host == "" {
			host = "localhost"
		}
	}
	if port == "" {
		port = os.Getenv("MYSQL_TCP_PORT")
		if port == "" {
			port = "3306"
		}
	}
	return user, password, host, port
}
