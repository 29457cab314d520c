package warehouse

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tabletalk-ai/tabletalk/pkg/config"
)

const defaultMaxRows = 200

// identPattern restricts table names interpolated into introspection queries.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// SQLClient implements Client over database/sql for sqlite, mysql and
// postgres warehouses.
type SQLClient struct {
	db      *sql.DB
	driver  string
	schema  string
	tables  []string
	profTab string
	maxRows int
	logger  *slog.Logger
}

var _ Client = (*SQLClient)(nil)

// NewSQLClient opens and verifies a warehouse connection.
func NewSQLClient(cfg *config.WarehouseConfig) (*SQLClient, error) {
	db, err := sql.Open(cfg.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse connection: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping warehouse: %w", err)
	}

	return &SQLClient{
		db:      db,
		driver:  cfg.DriverName(),
		schema:  cfg.Schema,
		tables:  cfg.Tables,
		profTab: cfg.ProfilesTable,
		maxRows: defaultMaxRows,
		logger:  slog.Default().With("component", "warehouse", "driver", cfg.Driver),
	}, nil
}

func (c *SQLClient) Close() error {
	return c.db.Close()
}

// ListTables returns the configured table allowlist, or introspects the
// schema when no allowlist is set.
func (c *SQLClient) ListTables(ctx context.Context) ([]string, error) {
	if len(c.tables) > 0 {
		out := make([]string, len(c.tables))
		copy(out, c.tables)
		return out, nil
	}

	var query string
	var args []any
	switch c.driver {
	case "sqlite3":
		query = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	case "mysql":
		query = `SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() ORDER BY table_name`
	case "postgres":
		schema := c.schema
		if schema == "" {
			schema = "public"
		}
		query = `SELECT table_name FROM information_schema.tables WHERE table_schema = $1 ORDER BY table_name`
		args = append(args, schema)
	default:
		return nil, fmt.Errorf("unsupported warehouse driver: %s", c.driver)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// FetchDDL returns the CREATE TABLE statement for a table.
func (c *SQLClient) FetchDDL(ctx context.Context, table string) (string, error) {
	if !identPattern.MatchString(table) {
		return "", fmt.Errorf("invalid table name: %q", table)
	}

	switch c.driver {
	case "sqlite3":
		var ddl sql.NullString
		err := c.db.QueryRowContext(ctx,
			`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&ddl)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("table %s not found", table)
		}
		if err != nil {
			return "", fmt.Errorf("failed to fetch DDL for %s: %w", table, err)
		}
		return ddl.String, nil

	case "mysql":
		var name, ddl string
		err := c.db.QueryRowContext(ctx, "SHOW CREATE TABLE "+quoteIdent(c.driver, table)).Scan(&name, &ddl)
		if err != nil {
			return "", fmt.Errorf("failed to fetch DDL for %s: %w", table, err)
		}
		return ddl, nil

	case "postgres":
		return c.reconstructDDL(ctx, table)

	default:
		return "", fmt.Errorf("unsupported warehouse driver: %s", c.driver)
	}
}

// reconstructDDL builds a CREATE TABLE statement from information_schema,
// for engines without a native DDL dump statement.
func (c *SQLClient) reconstructDDL(ctx context.Context, table string) (string, error) {
	schema := c.schema
	if schema == "" {
		schema = "public"
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return "", fmt.Errorf("failed to fetch columns for %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name, dataType, nullable string
		if err := rows.Scan(&name, &dataType, &nullable); err != nil {
			return "", fmt.Errorf("failed to scan column for %s: %w", table, err)
		}
		col := fmt.Sprintf("  %s %s", name, dataType)
		if nullable == "NO" {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(cols) == 0 {
		return "", fmt.Errorf("table %s not found", table)
	}
	return fmt.Sprintf("CREATE TABLE %s (\n%s\n)", table, strings.Join(cols, ",\n")), nil
}

// FetchProfiles reads column statistics for a table from the configured
// profiles table. Columns over 90% null are dropped as uninformative.
func (c *SQLClient) FetchProfiles(ctx context.Context, table string) ([]ColumnProfile, error) {
	if c.profTab == "" {
		return nil, fmt.Errorf("no profiles table configured")
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name: %q", table)
	}

	query := fmt.Sprintf(`
		SELECT column_name, data_type, null_ratio, distinct_count, min_value, max_value
		FROM %s
		WHERE table_name = %s
		ORDER BY column_name`, quoteIdent(c.driver, c.profTab), c.placeholder(1))

	rows, err := c.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profiles for %s: %w", table, err)
	}
	defer rows.Close()

	var profiles []ColumnProfile
	var dropped int
	for rows.Next() {
		var p ColumnProfile
		var dataType, minVal, maxVal sql.NullString
		var distinct sql.NullInt64
		if err := rows.Scan(&p.Column, &dataType, &p.NullRatio, &distinct, &minVal, &maxVal); err != nil {
			return nil, fmt.Errorf("failed to scan profile row for %s: %w", table, err)
		}
		if p.NullRatio > 0.9 {
			dropped++
			continue
		}
		p.Type = dataType.String
		p.DistinctCount = distinct.Int64
		p.Min = minVal.String
		p.Max = maxVal.String
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if dropped > 0 {
		c.logger.Debug("Dropped mostly-null columns from profile", "table", table, "dropped", dropped)
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no profiles found for table %s", table)
	}
	return profiles, nil
}

// FetchSamples returns up to limit rows from a table.
func (c *SQLClient) FetchSamples(ctx context.Context, table string, limit int) (*ResultSet, error) {
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name: %q", table)
	}
	if limit <= 0 {
		limit = 5
	}
	query := fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(c.driver, table), limit)
	return c.runQuery(ctx, query, limit)
}

// Describe returns the table comment where the engine stores one.
// Sqlite has no table comments, so it always returns "".
func (c *SQLClient) Describe(ctx context.Context, table string) (string, error) {
	if !identPattern.MatchString(table) {
		return "", fmt.Errorf("invalid table name: %q", table)
	}

	var query string
	switch c.driver {
	case "sqlite3":
		return "", nil
	case "mysql":
		query = `SELECT table_comment FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?`
	case "postgres":
		query = `SELECT COALESCE(obj_description(to_regclass($1), 'pg_class'), '')`
	default:
		return "", fmt.Errorf("unsupported warehouse driver: %s", c.driver)
	}

	var comment sql.NullString
	err := c.db.QueryRowContext(ctx, query, table).Scan(&comment)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to describe %s: %w", table, err)
	}
	return comment.String, nil
}

// Stats counts tables, columns and rows across the visible schema.
func (c *SQLClient) Stats(ctx context.Context) (*SchemaStats, error) {
	tables, err := c.ListTables(ctx)
	if err != nil {
		return nil, err
	}

	stats := &SchemaStats{NumTables: len(tables)}
	for _, table := range tables {
		if !identPattern.MatchString(table) {
			continue
		}
		var count int64
		if err := c.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM "+quoteIdent(c.driver, table)).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count rows in %s: %w", table, err)
		}
		stats.TotalRows += count

		rows, err := c.db.QueryContext(ctx,
			fmt.Sprintf("SELECT * FROM %s LIMIT 0", quoteIdent(c.driver, table)))
		if err != nil {
			return nil, fmt.Errorf("failed to inspect columns of %s: %w", table, err)
		}
		cols, err := rows.Columns()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to inspect columns of %s: %w", table, err)
		}
		stats.TotalColumns += len(cols)
	}
	return stats, nil
}

// ExecuteQuery runs a single read-only SELECT statement.
func (c *SQLClient) ExecuteQuery(ctx context.Context, query string) (*ResultSet, error) {
	if err := ValidateReadOnly(query); err != nil {
		return nil, &QueryError{Query: query, Message: err.Error(), Err: err}
	}
	rs, err := c.runQuery(ctx, query, c.maxRows)
	if err != nil {
		return nil, &QueryError{
			Query:     query,
			Message:   err.Error(),
			Retryable: isTransient(err),
			Err:       err,
		}
	}
	return rs, nil
}

func (c *SQLClient) runQuery(ctx context.Context, query string, maxRows int) (*ResultSet, error) {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	rs := &ResultSet{Columns: cols}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if len(rs.Rows) >= maxRows {
			rs.Truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]string, len(cols))
		for i, v := range values {
			row[i] = formatValue(v)
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func quoteIdent(driver, ident string) string {
	// Identifiers are validated against identPattern before reaching here;
	// quoting guards against reserved words only.
	switch driver {
	case "mysql":
		return "`" + ident + "`"
	default:
		return `"` + ident + `"`
	}
}

func (c *SQLClient) placeholder(n int) string {
	if c.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

var writeKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "DROP": true,
	"CREATE": true, "ALTER": true, "TRUNCATE": true, "REPLACE": true,
	"GRANT": true, "REVOKE": true, "ATTACH": true, "PRAGMA": true,
	"MERGE": true, "CALL": true, "SET": true,
}

// ValidateReadOnly rejects anything that is not a single SELECT statement.
func ValidateReadOnly(query string) error {
	stripped := stripComments(query)
	stripped = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(stripped), ";"))
	if stripped == "" {
		return fmt.Errorf("empty query")
	}
	if strings.Contains(stripped, ";") {
		return fmt.Errorf("multiple statements are not allowed")
	}

	first := strings.ToUpper(firstWord(stripped))
	if first != "SELECT" && first != "WITH" {
		if writeKeywords[first] {
			return fmt.Errorf("%s statements are not allowed, only SELECT queries may be executed", first)
		}
		return fmt.Errorf("only SELECT queries may be executed")
	}
	return nil
}

func stripComments(query string) string {
	var out strings.Builder
	lines := strings.Split(query, "\n")
	for _, line := range lines {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		out.WriteString(line)
		out.WriteString("\n")
	}
	s := out.String()
	for {
		start := strings.Index(s, "/*")
		if start < 0 {
			break
		}
		end := strings.Index(s[start:], "*/")
		if end < 0 {
			s = s[:start]
			break
		}
		s = s[:start] + " " + s[start+end+2:]
	}
	return s
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
