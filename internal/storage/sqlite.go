package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

// setupWASMCache persists the driver's compiled WASM module under the user
// cache dir so controller restarts skip the JIT compilation step. Falls back
// to an in-memory cache when the directory cannot be created.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		if c, err := wazero.NewCompilationCacheWithDir(filepath.Join(userCache, "gros", "wasm")); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// SQLite is the Store implementation backing the controller.
type SQLite struct {
	db     *sql.DB
	dbPath string
}

var _ Store = (*SQLite)(nil)

// Open opens or creates the controller database at path and initializes the
// schema. ":memory:" opens a private in-memory database for tests.
func Open(ctx context.Context, path string) (*SQLite, error) {
	var connStr string
	isMemory := path == ":memory:" || strings.Contains(path, "mode=memory")
	switch {
	case path == ":memory:":
		// Shared cache so every pooled connection sees the same data.
		connStr = "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	case strings.HasPrefix(path, "file:"):
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
		}
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if isMemory {
		// In-memory databases are per connection; the pool must not
		// hand out a second one.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	absPath := path
	if !isMemory && !strings.HasPrefix(path, "file:") {
		if absPath, err = filepath.Abs(path); err != nil {
			return nil, fmt.Errorf("resolving database path: %w", err)
		}
	}
	return &SQLite{db: db, dbPath: absPath}, nil
}

// Close checkpoints the WAL and closes the pool.
func (s *SQLite) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the database location.
func (s *SQLite) Path() string {
	return s.dbPath
}

// wrapDBError adds operation context and converts sql.ErrNoRows to
// ErrNotFound.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *SQLite) SaveAgent(ctx context.Context, agent *types.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (project, name, public_key, hostname, version, registered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project, name) DO UPDATE SET
			public_key = excluded.public_key,
			hostname = excluded.hostname,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, agent.Project, agent.Name, agent.PublicKey, agent.Hostname, agent.Version,
		agent.RegisteredAt.UTC(), agent.RegisteredAt.UTC())
	return wrapDBError("saving agent", err)
}

func (s *SQLite) Agent(ctx context.Context, project, name string) (*types.Agent, error) {
	agent := &types.Agent{}
	err := s.db.QueryRowContext(ctx, `
		SELECT project, name, public_key, hostname, version, registered_at
		FROM agents WHERE project = ? AND name = ?
	`, project, name).Scan(&agent.Project, &agent.Name, &agent.PublicKey,
		&agent.Hostname, &agent.Version, &agent.RegisteredAt)
	if err != nil {
		return nil, wrapDBError("loading agent", err)
	}
	return agent, nil
}

func (s *SQLite) Agents(ctx context.Context, project string) ([]types.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project, name, public_key, hostname, version, registered_at
		FROM agents WHERE project = ? ORDER BY name
	`, project)
	if err != nil {
		return nil, wrapDBError("listing agents", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []types.Agent
	for rows.Next() {
		var agent types.Agent
		if err := rows.Scan(&agent.Project, &agent.Name, &agent.PublicKey,
			&agent.Hostname, &agent.Version, &agent.RegisteredAt); err != nil {
			return nil, wrapDBError("listing agents", err)
		}
		agents = append(agents, agent)
	}
	return agents, wrapDBError("listing agents", rows.Err())
}

func (s *SQLite) EnsureSecrets(ctx context.Context, project, salt, pepper string) (string, string, error) {
	// First write wins; a concurrent registration reads back whatever
	// landed first.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secrets (project, salt, pepper, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (project) DO NOTHING
	`, project, salt, pepper, time.Now().UTC())
	if err != nil {
		return "", "", wrapDBError("storing secrets", err)
	}
	return s.Secrets(ctx, project)
}

func (s *SQLite) Secrets(ctx context.Context, project string) (string, string, error) {
	var salt, pepper string
	err := s.db.QueryRowContext(ctx, `
		SELECT salt, pepper FROM secrets WHERE project = ?
	`, project).Scan(&salt, &pepper)
	if err != nil {
		return "", "", wrapDBError("loading secrets", err)
	}
	return salt, pepper, nil
}

func (s *SQLite) SaveTracker(ctx context.Context, project, script string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trackers (project, script, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (project, script) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, project, script, data, time.Now().UTC())
	return wrapDBError("saving tracker", err)
}

func (s *SQLite) Tracker(ctx context.Context, project, script string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM trackers WHERE project = ? AND script = ?
	`, project, script).Scan(&data)
	if err != nil {
		return nil, wrapDBError("loading tracker", err)
	}
	return data, nil
}

func (s *SQLite) TrackerScripts(ctx context.Context, project string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT script FROM trackers WHERE project = ? ORDER BY script
	`, project)
	if err != nil {
		return nil, wrapDBError("listing trackers", err)
	}
	defer func() { _ = rows.Close() }()

	var scripts []string
	for rows.Next() {
		var script string
		if err := rows.Scan(&script); err != nil {
			return nil, wrapDBError("listing trackers", err)
		}
		scripts = append(scripts, script)
	}
	return scripts, wrapDBError("listing trackers", rows.Err())
}

func (s *SQLite) DeleteTracker(ctx context.Context, project, script string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM trackers WHERE project = ? AND script = ?
	`, project, script)
	return wrapDBError("deleting tracker", err)
}

func (s *SQLite) StartImport(ctx context.Context, project, agent, digest string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO imports (project, agent, digest, state, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, project, agent, digest, types.ImportPending, at.UTC())
	if err != nil {
		return 0, wrapDBError("opening import", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapDBError("opening import", err)
	}
	return id, nil
}

func (s *SQLite) SetImportState(ctx context.Context, id int64, state types.ImportState, message string, at time.Time) error {
	var finished any
	if state.Terminal() {
		finished = at.UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE imports SET state = ?, message = ?, finished_at = ? WHERE id = ?
	`, state, message, finished, id)
	if err != nil {
		return wrapDBError("updating import", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("updating import %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLite) LastImport(ctx context.Context, project string) (*types.ImportRecord, error) {
	rec := &types.ImportRecord{}
	var finished sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT project, agent, digest, state, message, started_at, finished_at
		FROM imports WHERE project = ? ORDER BY id DESC LIMIT 1
	`, project).Scan(&rec.Project, &rec.Agent, &rec.Digest, &rec.State,
		&rec.Message, &rec.StartedAt, &finished)
	if err != nil {
		return nil, wrapDBError("loading last import", err)
	}
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	return rec, nil
}

func (s *SQLite) ImportedDigest(ctx context.Context, project, digest string) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM imports WHERE project = ? AND digest = ? AND state = ?
	`, project, digest, types.ImportDone).Scan(&n)
	if err != nil {
		return false, wrapDBError("checking imported digest", err)
	}
	return n > 0, nil
}

func (s *SQLite) SaveHealth(ctx context.Context, report *types.StatusReport) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBError("saving health", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Replace the whole report so components an agent stopped checking
	// do not linger.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM health WHERE project = ? AND agent = ?
	`, report.Project, report.Agent); err != nil {
		return wrapDBError("saving health", err)
	}
	for component, c := range report.Components {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO health (project, agent, component, ok, message, reported_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, report.Project, report.Agent, component, c.OK, c.Message, report.ReportedAt.UTC()); err != nil {
			return wrapDBError("saving health", err)
		}
	}
	return wrapDBError("saving health", tx.Commit())
}

func (s *SQLite) Health(ctx context.Context, project string) ([]types.StatusReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent, component, ok, message, reported_at
		FROM health WHERE project = ? ORDER BY agent, component
	`, project)
	if err != nil {
		return nil, wrapDBError("loading health", err)
	}
	defer func() { _ = rows.Close() }()

	byAgent := make(map[string]*types.StatusReport)
	for rows.Next() {
		var agent, component, message string
		var ok bool
		var reportedAt time.Time
		if err := rows.Scan(&agent, &component, &ok, &message, &reportedAt); err != nil {
			return nil, wrapDBError("loading health", err)
		}
		report, found := byAgent[agent]
		if !found {
			report = &types.StatusReport{
				Project:    project,
				Agent:      agent,
				Components: make(map[string]types.ComponentHealth),
			}
			byAgent[agent] = report
		}
		report.Components[component] = types.ComponentHealth{OK: ok, Message: message}
		if reportedAt.After(report.ReportedAt) {
			report.ReportedAt = reportedAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("loading health", err)
	}

	agents := make([]string, 0, len(byAgent))
	for agent := range byAgent {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	reports := make([]types.StatusReport, 0, len(agents))
	for _, agent := range agents {
		reports = append(reports, *byAgent[agent])
	}
	return reports, nil
}
