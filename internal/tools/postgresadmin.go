package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAdminTool runs read-only inspection queries (schema lookups,
// row counts, EXPLAIN) against the configured default database, for
// database-oriented coding/DBA tasks. Statement-level writes are refused;
// use the execute tool for anything that needs to mutate data.
type PostgresAdminTool struct {
	pool *pgxpool.Pool
}

// NewPostgresAdminTool builds a PostgresAdminTool over an existing pool.
func NewPostgresAdminTool(pool *pgxpool.Pool) *PostgresAdminTool {
	return &PostgresAdminTool{pool: pool}
}

func (t *PostgresAdminTool) Name() string        { return "postgres_admin" }
func (t *PostgresAdminTool) Mutating() bool      { return false }
func (t *PostgresAdminTool) UsageCap() int       { return 10 }
func (t *PostgresAdminTool) Description() string {
	return "Run a read-only SQL query (SELECT/EXPLAIN/SHOW) against the default database."
}

func (t *PostgresAdminTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"query": map[string]any{"type": "string"}},
		"required":   []string{"query"},
	}
}

var readOnlyPrefixes = []string{"select", "explain", "show", "with"}

func isReadOnly(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	for _, p := range readOnlyPrefixes {
		if strings.HasPrefix(q, p) {
			return true
		}
	}
	return false
}

func (t *PostgresAdminTool) Run(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	if !isReadOnly(args.Query) {
		return "", fmt.Errorf("postgres_admin only accepts read-only statements (SELECT/EXPLAIN/SHOW/WITH)")
	}

	rows, err := t.pool.Query(ctx, args.Query)
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var sb strings.Builder
	for i, f := range fields {
		if i > 0 {
			sb.WriteString("\t")
		}
		sb.WriteString(string(f.Name))
	}
	sb.WriteString("\n")

	count := 0
	for rows.Next() && count < 100 {
		vals, err := rows.Values()
		if err != nil {
			return "", fmt.Errorf("read row: %w", err)
		}
		for i, v := range vals {
			if i > 0 {
				sb.WriteString("\t")
			}
			fmt.Fprintf(&sb, "%v", v)
		}
		sb.WriteString("\n")
		count++
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("row iteration: %w", err)
	}
	if count == 0 {
		return "0 rows", nil
	}
	return sb.String(), nil
}
