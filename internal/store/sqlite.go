// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides tool registry and MCP server directory persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tools (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL,
			default_context TEXT NOT NULL,
			custom_context TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			source TEXT NOT NULL DEFAULT 'built-in',
			mcp_server_name TEXT,
			schema_json TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tools_server
			ON tools(mcp_server_name);

		CREATE TABLE IF NOT EXISTS mcp_servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			transport TEXT NOT NULL,
			command TEXT NOT NULL DEFAULT '',
			args_json TEXT NOT NULL DEFAULT '[]',
			env_json TEXT NOT NULL DEFAULT '{}',
			url TEXT NOT NULL DEFAULT '',
			headers_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const toolColumns = `id, name, description, default_context, custom_context,
	enabled, source, mcp_server_name, schema_json, created_at, updated_at`

// scanTool scans one tool row from the given scanner.
func scanTool(row interface{ Scan(...any) error }) (*Tool, error) {
	var t Tool
	var custom, serverName, schemaJSON sql.NullString
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.DefaultContext,
		&custom, &t.Enabled, &t.Source, &serverName, &schemaJSON,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if custom.Valid {
		t.CustomContext = &custom.String
	}
	if serverName.Valid {
		t.MCPServerName = &serverName.String
	}
	if schemaJSON.Valid && schemaJSON.String != "" {
		t.Schema = json.RawMessage(schemaJSON.String)
	}
	return &t, nil
}

func (s *SQLiteStore) queryTools(ctx context.Context, query string, args ...any) ([]*Tool, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tools: %w", err)
	}
	defer rows.Close()

	var tools []*Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tool: %w", err)
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

// ListTools returns all registered tools ordered by name.
func (s *SQLiteStore) ListTools(ctx context.Context) ([]*Tool, error) {
	return s.queryTools(ctx, `SELECT `+toolColumns+` FROM tools ORDER BY name`)
}

// GetToolByName returns the tool with the given name, or ErrNotFound.
func (s *SQLiteStore) GetToolByName(ctx context.Context, name string) (*Tool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE name = ?`, name)
	t, err := scanTool(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting tool: %w", err)
	}
	return t, nil
}

// ListEnabledTools returns all tools with the enabled flag set, ordered by name.
func (s *SQLiteStore) ListEnabledTools(ctx context.Context) ([]*Tool, error) {
	return s.queryTools(ctx, `SELECT `+toolColumns+` FROM tools WHERE enabled = 1 ORDER BY name`)
}

// ListToolsByServer returns all tools owned by the named MCP server.
func (s *SQLiteStore) ListToolsByServer(ctx context.Context, serverName string) ([]*Tool, error) {
	return s.queryTools(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE mcp_server_name = ? ORDER BY name`, serverName)
}

// CreateTool inserts a new tool, assigning its ID and timestamps.
func (s *SQLiteStore) CreateTool(ctx context.Context, tool *Tool) error {
	now := time.Now().UTC()
	tool.CreatedAt = now
	tool.UpdatedAt = now

	var schemaJSON any
	if tool.Schema != nil {
		schemaJSON = string(tool.Schema)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tools (name, description, default_context, custom_context,
			enabled, source, mcp_server_name, schema_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tool.Name, tool.Description, tool.DefaultContext, tool.CustomContext,
		tool.Enabled, tool.Source, tool.MCPServerName, schemaJSON,
		tool.CreatedAt, tool.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateTool
		}
		return fmt.Errorf("inserting tool: %w", err)
	}

	tool.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading tool id: %w", err)
	}
	return nil
}

// UpdateTool applies a partial update and returns the updated record.
func (s *SQLiteStore) UpdateTool(ctx context.Context, id int64, update ToolUpdate) (*Tool, error) {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.CustomContext != nil {
		sets = append(sets, "custom_context = ?")
		args = append(args, *update.CustomContext)
	}

	if len(sets) > 0 {
		sets = append(sets, "updated_at = ?")
		args = append(args, time.Now().UTC())
		args = append(args, id)

		res, err := s.db.ExecContext(ctx,
			`UPDATE tools SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return nil, fmt.Errorf("updating tool: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("checking update: %w", err)
		}
		if affected == 0 {
			return nil, ErrNotFound
		}
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE id = ?`, id)
	t, err := scanTool(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reloading tool: %w", err)
	}
	return t, nil
}

// DeleteTool removes a tool by ID.
func (s *SQLiteStore) DeleteTool(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tools WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting tool: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteToolsByServer removes every tool owned by the named MCP server
// and returns the number of rows removed.
func (s *SQLiteStore) DeleteToolsByServer(ctx context.Context, serverName string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tools WHERE mcp_server_name = ?`, serverName)
	if err != nil {
		return 0, fmt.Errorf("deleting tools by server: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking delete: %w", err)
	}
	return int(affected), nil
}

// SeedDefaults inserts the given tools for names not already present.
// Safe to call on every startup.
func (s *SQLiteStore) SeedDefaults(ctx context.Context, defaults []*Tool) error {
	for _, tool := range defaults {
		_, err := s.GetToolByName(ctx, tool.Name)
		if err == nil {
			continue
		}
		if err != ErrNotFound {
			return err
		}
		seeded := *tool
		if err := s.CreateTool(ctx, &seeded); err != nil {
			return fmt.Errorf("seeding tool %q: %w", tool.Name, err)
		}
		s.logger.Info("seeded built-in tool", "name", tool.Name)
	}
	return nil
}

const serverColumns = `id, name, transport, command, args_json, env_json,
	url, headers_json, created_at, updated_at`

func scanServer(row interface{ Scan(...any) error }) (*MCPServer, error) {
	var srv MCPServer
	var argsJSON, envJSON, headersJSON string
	err := row.Scan(&srv.ID, &srv.Name, &srv.Transport, &srv.Command,
		&argsJSON, &envJSON, &srv.URL, &headersJSON,
		&srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(argsJSON), &srv.Args); err != nil {
		return nil, fmt.Errorf("decoding args: %w", err)
	}
	if err := json.Unmarshal([]byte(envJSON), &srv.Env); err != nil {
		return nil, fmt.Errorf("decoding env: %w", err)
	}
	if err := json.Unmarshal([]byte(headersJSON), &srv.Headers); err != nil {
		return nil, fmt.Errorf("decoding headers: %w", err)
	}
	return &srv, nil
}

func marshalServerFields(srv *MCPServer) (args, env, headers string, err error) {
	a, err := json.Marshal(srv.Args)
	if err != nil {
		return "", "", "", err
	}
	e, err := json.Marshal(srv.Env)
	if err != nil {
		return "", "", "", err
	}
	h, err := json.Marshal(srv.Headers)
	if err != nil {
		return "", "", "", err
	}
	return string(a), string(e), string(h), nil
}

// ListServers returns all configured MCP servers ordered by name.
func (s *SQLiteStore) ListServers(ctx context.Context) ([]*MCPServer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM mcp_servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer rows.Close()

	var servers []*MCPServer
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning server: %w", err)
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// GetServer returns the server with the given ID, or ErrNotFound.
func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*MCPServer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM mcp_servers WHERE id = ?`, id)
	srv, err := scanServer(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting server: %w", err)
	}
	return srv, nil
}

// CreateServer inserts a new MCP server config, assigning an ID if empty.
func (s *SQLiteStore) CreateServer(ctx context.Context, srv *MCPServer) error {
	if err := srv.Validate(); err != nil {
		return err
	}
	if srv.ID == "" {
		srv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	srv.CreatedAt = now
	srv.UpdatedAt = now

	args, env, headers, err := marshalServerFields(srv)
	if err != nil {
		return fmt.Errorf("encoding server fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mcp_servers (id, name, transport, command, args_json,
			env_json, url, headers_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		srv.ID, srv.Name, srv.Transport, srv.Command, args, env,
		srv.URL, headers, srv.CreatedAt, srv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting server: %w", err)
	}
	return nil
}

// UpdateServer applies a partial update and returns the updated record.
// Only the fields named in the update are written, in a single UPDATE,
// so concurrent partial updates cannot clobber each other's fields.
// The transport kind is never changed.
func (s *SQLiteStore) UpdateServer(ctx context.Context, id string, update ServerUpdate) (*MCPServer, error) {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Command != nil {
		sets = append(sets, "command = ?")
		args = append(args, *update.Command)
	}
	if update.Args != nil {
		encoded, err := json.Marshal(*update.Args)
		if err != nil {
			return nil, fmt.Errorf("encoding args: %w", err)
		}
		sets = append(sets, "args_json = ?")
		args = append(args, string(encoded))
	}
	if update.Env != nil {
		encoded, err := json.Marshal(*update.Env)
		if err != nil {
			return nil, fmt.Errorf("encoding env: %w", err)
		}
		sets = append(sets, "env_json = ?")
		args = append(args, string(encoded))
	}
	if update.URL != nil {
		sets = append(sets, "url = ?")
		args = append(args, *update.URL)
	}
	if update.Headers != nil {
		encoded, err := json.Marshal(*update.Headers)
		if err != nil {
			return nil, fmt.Errorf("encoding headers: %w", err)
		}
		sets = append(sets, "headers_json = ?")
		args = append(args, string(encoded))
	}

	if len(sets) > 0 {
		sets = append(sets, "updated_at = ?")
		args = append(args, time.Now().UTC())
		args = append(args, id)

		res, err := s.db.ExecContext(ctx,
			`UPDATE mcp_servers SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return nil, fmt.Errorf("updating server: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("checking update: %w", err)
		}
		if affected == 0 {
			return nil, ErrNotFound
		}
	}

	return s.GetServer(ctx, id)
}

// DeleteServer removes a server config by ID. Cascading removal of the
// server's tools is handled by the caller via DeleteToolsByServer.
func (s *SQLiteStore) DeleteServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mcp_servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
