package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kirychukyurii/fleet-registry/internal/model"
)

// SQLiteStore implements AgentStore using SQLite
type SQLiteStore struct {
	db *sql.DB
}

const agentColumns = `id, ip, name, port, region, state, approved, last_heartbeat, node, version`

// NewSQLiteStore opens the database and runs migrations
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ip TEXT NOT NULL,
			name TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 0,
			region TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'INACTIVE',
			approved INTEGER NOT NULL DEFAULT 0,
			last_heartbeat INTEGER,
			node TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_identity ON agents(ip, name, region)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_node ON agents(node)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Upsert registers an agent keyed by identity. An existing row keeps its id
// and its approval flag; everything else is overwritten from attrs.
func (s *SQLiteStore) Upsert(ctx context.Context, identity model.AgentIdentity, attrs model.AgentAttrs) (*model.AgentRecord, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (ip, name, port, region, state, approved, last_heartbeat, node)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(ip, name, region) DO UPDATE SET
			port = excluded.port,
			state = excluded.state,
			last_heartbeat = excluded.last_heartbeat,
			node = excluded.node,
			version = agents.version + 1`,
		identity.IP, identity.HostName, attrs.Port, identity.Region, string(attrs.State),
		attrs.Approved, heartbeatValue(attrs.LastHeartbeatAt), attrs.Node)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert agent %s: %w", identity.Key(), err)
	}
	return s.FindByIdentity(ctx, identity)
}

// Save inserts rec as given and fills in its id and version
func (s *SQLiteStore) Save(ctx context.Context, rec *model.AgentRecord) error {
	state := rec.State
	if state == "" {
		state = model.AgentStateInactive
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (ip, name, port, region, state, approved, last_heartbeat, node)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.IP, rec.Name, rec.Port, rec.Region, string(state), rec.Approved,
		heartbeatValue(rec.LastHeartbeatAt), rec.Node)
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read agent id: %w", err)
	}
	rec.ID = id
	rec.State = state
	rec.Version = 1
	return nil
}

// Get retrieves an agent by id
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*model.AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	rec, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent %d: %w", id, err)
	}
	return rec, nil
}

// FindByIdentity retrieves an agent by ip, host name and region
func (s *SQLiteStore) FindByIdentity(ctx context.Context, identity model.AgentIdentity) (*model.AgentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE ip = ? AND name = ? AND region = ?`,
		identity.IP, identity.HostName, identity.Region)
	rec, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", identity.Key(), model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find agent %s: %w", identity.Key(), err)
	}
	return rec, nil
}

// ListLocal lists the agents owned by node, ordered by id
func (s *SQLiteStore) ListLocal(ctx context.Context, node string) ([]model.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE node = ? ORDER BY id`, node)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	agents := make([]model.AgentRecord, 0)
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, *rec)
	}
	return agents, rows.Err()
}

// Update performs a single-row compare-and-swap on the version column
func (s *SQLiteStore) Update(ctx context.Context, rec *model.AgentRecord) (*model.AgentRecord, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET port = ?, state = ?, approved = ?, last_heartbeat = ?, node = ?,
			version = version + 1
		 WHERE id = ? AND version = ?`,
		rec.Port, string(rec.State), rec.Approved, heartbeatValue(rec.LastHeartbeatAt), rec.Node,
		rec.ID, rec.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update agent %d: %w", rec.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update agent %d: %w", rec.ID, err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, rec.ID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("agent %d at version %d: %w", rec.ID, rec.Version, model.ErrStaleWrite)
	}

	return s.Get(ctx, rec.ID)
}

// Delete removes an agent row
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete agent %d: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("agent %d: %w", id, model.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*model.AgentRecord, error) {
	var rec model.AgentRecord
	var state string
	var heartbeat sql.NullInt64
	if err := row.Scan(&rec.ID, &rec.IP, &rec.Name, &rec.Port, &rec.Region, &state,
		&rec.Approved, &heartbeat, &rec.Node, &rec.Version); err != nil {
		return nil, err
	}
	rec.State = model.AgentState(state)
	if heartbeat.Valid {
		rec.LastHeartbeatAt = time.Unix(0, heartbeat.Int64).UTC()
	}
	return &rec, nil
}

// heartbeatValue stores heartbeats as unix nanoseconds; the zero time is NULL
func heartbeatValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}
