package coord

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ShayCichocki/quorum/pkg/models"
)

// SQLiteStore persists coordination state so it survives the process and can
// be read by `quorum status`. A single connection serializes writes; the
// last-writer-wins rule is enforced in SQL.
type SQLiteStore struct {
	conn     *sql.DB
	path     string
	notifier notifier
	closed   atomic.Bool
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the store at path and applies migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, storeErr("open", path, fmt.Errorf("create db directory: %w", err))
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storeErr("open", path, err)
	}
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, storeErr("open", path, fmt.Errorf("%s: %w", pragma, err))
		}
	}

	s := &SQLiteStore{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, storeErr("migrate", path, err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) migrate() error {
	if _, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Agents},
		{2, migrationV2Interfaces},
		{3, migrationV3GlobalsEvents},
		{4, migrationV4RunScope},
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const migrationV1Agents = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	role TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	progress REAL NOT NULL DEFAULT 0,
	blockers TEXT NOT NULL DEFAULT '[]',
	current_task TEXT NOT NULL DEFAULT '',
	tools_used TEXT NOT NULL DEFAULT '[]',
	ts INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);
`

const migrationV2Interfaces = `
CREATE TABLE IF NOT EXISTS interfaces (
	name TEXT PRIMARY KEY,
	type TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL DEFAULT '',
	spec BLOB,
	status TEXT NOT NULL,
	consumers TEXT NOT NULL DEFAULT '[]',
	version INTEGER NOT NULL DEFAULT 1,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_interfaces_status ON interfaces(status);
`

const migrationV3GlobalsEvents = `
CREATE TABLE IF NOT EXISTS globals (
	key TEXT PRIMARY KEY,
	value BLOB,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	key TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	at TEXT NOT NULL
);
`

const migrationV4RunScope = `
CREATE TABLE IF NOT EXISTS run_scope (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	run_id TEXT NOT NULL,
	started_at TEXT NOT NULL
);
`

func (s *SQLiteStore) check(op, key string) error {
	if s.closed.Load() {
		return storeErr(op, key, ErrClosed)
	}
	return nil
}

func (s *SQLiteStore) insertEvent(ctx context.Context, tx *sql.Tx, kind EventKind, key, detail string) error {
	_, err := tx.ExecContext(ctx, "INSERT INTO events (kind, key, detail, at) VALUES (?, ?, ?, ?)",
		string(kind), key, detail, formatTime(time.Now()))
	return err
}

// transaction runs fn in a transaction and notifies subscribers on commit
// when fn reports a change.
func (s *SQLiteStore) transaction(ctx context.Context, fn func(tx *sql.Tx) (bool, error)) (bool, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	changed, err := fn(tx)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	if changed {
		s.notifier.notify()
	}
	return changed, nil
}

// BeginRun implements Store. The reset and the new scope commit together.
func (s *SQLiteStore) BeginRun(ctx context.Context, runID string) (bool, error) {
	const op = "begin_run"
	if err := s.check(op, runID); err != nil {
		return false, err
	}
	if runID == "" {
		return false, fmt.Errorf("run id is required")
	}
	reset, err := s.transaction(ctx, func(tx *sql.Tx) (bool, error) {
		var prev string
		err := tx.QueryRowContext(ctx, "SELECT run_id FROM run_scope WHERE id = 1").Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return false, err
		}
		if err == nil && prev == runID {
			return false, nil
		}
		for _, table := range []string{"agents", "interfaces", "globals"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return false, fmt.Errorf("clear %s: %w", table, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_scope (id, run_id, started_at) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET run_id = excluded.run_id, started_at = excluded.started_at`,
			runID, formatTime(time.Now())); err != nil {
			return false, err
		}
		return true, s.insertEvent(ctx, tx, EventRun, runID, prev)
	})
	if err != nil {
		return false, storeErr(op, runID, err)
	}
	return reset, nil
}

// RunID implements Store.
func (s *SQLiteStore) RunID(ctx context.Context) (string, error) {
	const op = "run_id"
	if err := s.check(op, ""); err != nil {
		return "", err
	}
	var id string
	err := s.conn.QueryRowContext(ctx, "SELECT run_id FROM run_scope WHERE id = 1").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storeErr(op, "", err)
	}
	return id, nil
}

// UpdateAgentStatus implements Store.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, st models.AgentStatus) (bool, error) {
	const op = "update_agent_status"
	if err := s.check(op, st.AgentID); err != nil {
		return false, err
	}
	if st.AgentID == "" {
		return false, fmt.Errorf("agent id is required")
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	blockers, _ := json.Marshal(nonNil(st.Blockers))
	tools, _ := json.Marshal(nonNil(st.ToolsUsed))

	applied, err := s.transaction(ctx, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO agents (id, role, status, progress, blockers, current_task, tools_used, ts, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				role = excluded.role,
				status = excluded.status,
				progress = excluded.progress,
				blockers = excluded.blockers,
				current_task = excluded.current_task,
				tools_used = excluded.tools_used,
				ts = excluded.ts,
				updated_at = excluded.updated_at
			WHERE excluded.ts >= agents.ts`,
			st.AgentID, st.Role, string(st.Status), st.Progress, string(blockers), st.CurrentTask,
			string(tools), int64(st.Timestamp), formatTime(st.UpdatedAt))
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		return true, s.insertEvent(ctx, tx, EventAgentStatus, st.AgentID, string(st.Status))
	})
	if err != nil {
		return false, storeErr(op, st.AgentID, err)
	}
	return applied, nil
}

const agentColumns = "id, role, status, progress, blockers, current_task, tools_used, ts, updated_at"

func scanAgent(sc interface{ Scan(...any) error }) (models.AgentStatus, error) {
	var (
		st              models.AgentStatus
		status          string
		blockers, tools string
		ts              int64
		updatedAt       string
	)
	if err := sc.Scan(&st.AgentID, &st.Role, &status, &st.Progress, &blockers, &st.CurrentTask, &tools, &ts, &updatedAt); err != nil {
		return st, err
	}
	st.Status = models.AgentState(status)
	st.Timestamp = uint64(ts)
	if err := json.Unmarshal([]byte(blockers), &st.Blockers); err != nil {
		return st, fmt.Errorf("decode blockers: %w", err)
	}
	if err := json.Unmarshal([]byte(tools), &st.ToolsUsed); err != nil {
		return st, fmt.Errorf("decode tools_used: %w", err)
	}
	st.UpdatedAt, _ = parseTime(updatedAt)
	return st, nil
}

// AgentStatus implements Store.
func (s *SQLiteStore) AgentStatus(ctx context.Context, agentID string) (models.AgentStatus, error) {
	const op = "agent_status"
	if err := s.check(op, agentID); err != nil {
		return models.AgentStatus{}, err
	}
	row := s.conn.QueryRowContext(ctx, "SELECT "+agentColumns+" FROM agents WHERE id = ?", agentID)
	st, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AgentStatus{}, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return models.AgentStatus{}, storeErr(op, agentID, err)
	}
	return st, nil
}

// AgentStatuses implements Store.
func (s *SQLiteStore) AgentStatuses(ctx context.Context) ([]models.AgentStatus, error) {
	const op = "agent_statuses"
	if err := s.check(op, ""); err != nil {
		return nil, err
	}
	rows, err := s.conn.QueryContext(ctx, "SELECT "+agentColumns+" FROM agents ORDER BY id")
	if err != nil {
		return nil, storeErr(op, "", err)
	}
	defer rows.Close()

	var out []models.AgentStatus
	for rows.Next() {
		st, err := scanAgent(rows)
		if err != nil {
			return nil, storeErr(op, "", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, "", err)
	}
	return out, nil
}

const interfaceColumns = "name, type, owner, spec, status, consumers, version, updated_at"

func scanInterface(sc interface{ Scan(...any) error }) (models.SharedInterface, error) {
	var (
		i         models.SharedInterface
		spec      []byte
		status    string
		consumers string
		updatedAt string
	)
	if err := sc.Scan(&i.Name, &i.Type, &i.Owner, &spec, &status, &consumers, &i.Version, &updatedAt); err != nil {
		return i, err
	}
	if len(spec) > 0 {
		i.Spec = json.RawMessage(spec)
	}
	i.Status = models.InterfaceStatus(status)
	if err := json.Unmarshal([]byte(consumers), &i.Consumers); err != nil {
		return i, fmt.Errorf("decode consumers: %w", err)
	}
	i.UpdatedAt, _ = parseTime(updatedAt)
	return i, nil
}

func (s *SQLiteStore) writeInterface(ctx context.Context, tx *sql.Tx, i models.SharedInterface) error {
	consumers, _ := json.Marshal(nonNil(i.Consumers))
	var spec []byte
	if len(i.Spec) > 0 {
		spec = i.Spec
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO interfaces (name, type, owner, spec, status, consumers, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			type = excluded.type,
			owner = excluded.owner,
			spec = excluded.spec,
			status = excluded.status,
			consumers = excluded.consumers,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		i.Name, i.Type, i.Owner, spec, string(i.Status), string(consumers), i.Version, formatTime(i.UpdatedAt))
	return err
}

// RegisterInterface implements Store.
func (s *SQLiteStore) RegisterInterface(ctx context.Context, iface models.SharedInterface) error {
	const op = "register_interface"
	if err := s.check(op, iface.Name); err != nil {
		return err
	}
	if iface.Name == "" {
		return fmt.Errorf("interface name is required")
	}

	var rejected error
	_, err := s.transaction(ctx, func(tx *sql.Tx) (bool, error) {
		var existing *models.SharedInterface
		cur, err := scanInterface(tx.QueryRowContext(ctx, "SELECT "+interfaceColumns+" FROM interfaces WHERE name = ?", iface.Name))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return false, err
		default:
			existing = &cur
		}

		next, changed, err := decideRegistration(existing, iface, time.Now())
		if err != nil {
			rejected = err
			return false, nil
		}
		if !changed {
			return false, nil
		}
		if err := s.writeInterface(ctx, tx, next); err != nil {
			return false, err
		}
		return true, s.insertEvent(ctx, tx, EventInterface, next.Name, string(next.Status))
	})
	if err != nil {
		return storeErr(op, iface.Name, err)
	}
	if rejected != nil {
		return fmt.Errorf("register %s: %w", iface.Name, rejected)
	}
	return nil
}

// Interface implements Store.
func (s *SQLiteStore) Interface(ctx context.Context, name string) (models.SharedInterface, error) {
	const op = "interface"
	if err := s.check(op, name); err != nil {
		return models.SharedInterface{}, err
	}
	i, err := scanInterface(s.conn.QueryRowContext(ctx, "SELECT "+interfaceColumns+" FROM interfaces WHERE name = ?", name))
	if errors.Is(err, sql.ErrNoRows) {
		return models.SharedInterface{}, fmt.Errorf("interface %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return models.SharedInterface{}, storeErr(op, name, err)
	}
	return i, nil
}

// Interfaces implements Store.
func (s *SQLiteStore) Interfaces(ctx context.Context) ([]models.SharedInterface, error) {
	const op = "interfaces"
	if err := s.check(op, ""); err != nil {
		return nil, err
	}
	rows, err := s.conn.QueryContext(ctx, "SELECT "+interfaceColumns+" FROM interfaces ORDER BY name")
	if err != nil {
		return nil, storeErr(op, "", err)
	}
	defer rows.Close()

	var out []models.SharedInterface
	for rows.Next() {
		i, err := scanInterface(rows)
		if err != nil {
			return nil, storeErr(op, "", err)
		}
		out = append(out, i)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, "", err)
	}
	return out, nil
}

// AddConsumer implements Store.
func (s *SQLiteStore) AddConsumer(ctx context.Context, name, agentID string) error {
	const op = "add_consumer"
	if err := s.check(op, name); err != nil {
		return err
	}
	var missing bool
	_, err := s.transaction(ctx, func(tx *sql.Tx) (bool, error) {
		cur, err := scanInterface(tx.QueryRowContext(ctx, "SELECT "+interfaceColumns+" FROM interfaces WHERE name = ?", name))
		if errors.Is(err, sql.ErrNoRows) {
			missing = true
			return false, nil
		}
		if err != nil {
			return false, err
		}
		for _, c := range cur.Consumers {
			if c == agentID {
				return false, nil
			}
		}
		consumers, _ := json.Marshal(mergeConsumers(cur.Consumers, []string{agentID}))
		if _, err := tx.ExecContext(ctx, "UPDATE interfaces SET consumers = ? WHERE name = ?", string(consumers), name); err != nil {
			return false, err
		}
		return true, s.insertEvent(ctx, tx, EventInterface, name, "consumer "+agentID)
	})
	if err != nil {
		return storeErr(op, name, err)
	}
	if missing {
		return fmt.Errorf("interface %s: %w", name, ErrNotFound)
	}
	return nil
}

// CheckDependencies implements Store.
func (s *SQLiteStore) CheckDependencies(ctx context.Context, agentID string, names []string) (map[string]bool, error) {
	ifaces, err := s.Interfaces(ctx)
	if err != nil {
		return nil, err
	}
	statuses := make(map[string]models.InterfaceStatus, len(ifaces))
	for _, i := range ifaces {
		statuses[i.Name] = i.Status
	}
	return checkDependencies(statuses, names), nil
}

// GetBlockers implements Store.
func (s *SQLiteStore) GetBlockers(ctx context.Context) (map[string][]string, error) {
	statuses, err := s.AgentStatuses(ctx)
	if err != nil {
		return nil, err
	}
	ifaces, err := s.Interfaces(ctx)
	if err != nil {
		return nil, err
	}
	return deriveBlockers(statuses, ifaces), nil
}

// SetGlobal implements Store.
func (s *SQLiteStore) SetGlobal(ctx context.Context, key string, value json.RawMessage) error {
	const op = "set_global"
	if err := s.check(op, key); err != nil {
		return err
	}
	_, err := s.transaction(ctx, func(tx *sql.Tx) (bool, error) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO globals (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, []byte(value), formatTime(time.Now())); err != nil {
			return false, err
		}
		return true, s.insertEvent(ctx, tx, EventGlobal, key, "")
	})
	if err != nil {
		return storeErr(op, key, err)
	}
	return nil
}

// Global implements Store.
func (s *SQLiteStore) Global(ctx context.Context, key string) (json.RawMessage, error) {
	const op = "global"
	if err := s.check(op, key); err != nil {
		return nil, err
	}
	var v []byte
	err := s.conn.QueryRowContext(ctx, "SELECT value FROM globals WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("global %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, storeErr(op, key, err)
	}
	return json.RawMessage(v), nil
}

// Events implements Store.
func (s *SQLiteStore) Events(ctx context.Context, since uint64) ([]Event, error) {
	const op = "events"
	if err := s.check(op, ""); err != nil {
		return nil, err
	}
	rows, err := s.conn.QueryContext(ctx, "SELECT seq, kind, key, detail, at FROM events WHERE seq > ? ORDER BY seq", int64(since))
	if err != nil {
		return nil, storeErr(op, "", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e    Event
			seq  int64
			kind string
			at   string
		)
		if err := rows.Scan(&seq, &kind, &e.Key, &e.Detail, &at); err != nil {
			return nil, storeErr(op, "", err)
		}
		e.Seq = uint64(seq)
		e.Kind = EventKind(kind)
		e.At, _ = parseTime(at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, "", err)
	}
	return out, nil
}

// Summary implements Store.
func (s *SQLiteStore) Summary(ctx context.Context) (Summary, error) {
	statuses, err := s.AgentStatuses(ctx)
	if err != nil {
		return Summary{}, err
	}
	ifaces, err := s.Interfaces(ctx)
	if err != nil {
		return Summary{}, err
	}
	return summarize(statuses, ifaces), nil
}

// Subscribe implements Store. Only writes made through this handle signal.
func (s *SQLiteStore) Subscribe() (<-chan struct{}, func()) {
	return s.notifier.subscribe()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.notifier.closeAll()
	return s.conn.Close()
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
