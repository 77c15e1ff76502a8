package app

import (
	"database/sql"
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/conduitrun/conduit/internal/platform/logger"
)

// PostgresDiagnostic implements POST /postgres/execute: a direct,
// outside-the-engine passthrough for operators to verify a connection
// string and query before wiring them into a playbook's postgres
// action. It opens its own short-lived connection per call rather than
// reusing the control plane's pool, since connection_string here is
// caller-supplied and may name a different database entirely.
type PostgresDiagnostic struct {
	log *logger.Logger
}

func NewPostgresDiagnostic(log *logger.Logger) *PostgresDiagnostic {
	return &PostgresDiagnostic{log: log.With("component", "postgres_diagnostic")}
}

func (p *PostgresDiagnostic) Execute(c *gin.Context) {
	var req struct {
		Query            string         `json:"query"`
		QueryBase64      string         `json:"query_base64"`
		Parameters       []any          `json:"parameters"`
		Schema           string         `json:"schema"`
		ConnectionString string         `json:"connection_string"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ConnectionString == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "connection_string is required"})
		return
	}

	query := req.Query
	if query == "" && req.QueryBase64 != "" {
		raw, err := base64.StdEncoding.DecodeString(req.QueryBase64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query_base64 is not valid base64"})
			return
		}
		query = string(raw)
	}
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query or query_base64 is required"})
		return
	}

	db, err := sql.Open("pgx", req.ConnectionString)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not open connection: " + err.Error()})
		return
	}
	defer db.Close()

	if req.Schema != "" {
		if _, err := db.ExecContext(c.Request.Context(), "SET search_path TO "+sqlIdentifier(req.Schema)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not set schema: " + err.Error()})
			return
		}
	}

	rows, err := db.QueryContext(c.Request.Context(), query, req.Parameters...)
	if err != nil {
		p.log.Warn("diagnostic query failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"columns": cols, "rows": out})
}

// sqlIdentifier double-quotes an identifier for use in a statement that
// cannot be parameterized (SET search_path), guarding against a caller
// injecting arbitrary SQL through the schema field.
func sqlIdentifier(ident string) string {
	escaped := ""
	for _, r := range ident {
		if r == '"' {
			escaped += `""`
			continue
		}
		escaped += string(r)
	}
	return `"` + escaped + `"`
}
