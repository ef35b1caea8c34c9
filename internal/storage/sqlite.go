package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding endpoint and query records. It is the
// single source of truth for lifecycle state.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "deskd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Endpoints ---

// SaveEndpoint inserts or replaces an endpoint by ID and stamps updated_at.
// CreatedAt is preserved when the record already exists; a zero CreatedAt on a
// fresh record is set to now.
func (s *Store) SaveEndpoint(e Endpoint) (Endpoint, error) {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	_, err := s.db.Exec(`
		INSERT INTO endpoints (id, name, kind, model_ref, is_running, address, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			model_ref = excluded.model_ref,
			is_running = excluded.is_running,
			address = excluded.address,
			updated_at = excluded.updated_at`,
		e.ID, e.Name, string(e.Kind), e.ModelRef, boolToInt(e.IsRunning), e.Address,
		e.CreatedAt.Format(time.RFC3339), e.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return Endpoint{}, err
	}
	return e, nil
}

const endpointColumns = "id, name, kind, model_ref, is_running, address, created_at, updated_at"

// GetEndpoint returns the endpoint with the given ID, or ErrNotFound.
func (s *Store) GetEndpoint(id string) (Endpoint, error) {
	row := s.db.QueryRow("SELECT "+endpointColumns+" FROM endpoints WHERE id = ?", id)
	return scanEndpoint(row)
}

// ListEndpoints returns all endpoints ordered by creation time.
func (s *Store) ListEndpoints() ([]Endpoint, error) {
	return s.queryEndpoints("SELECT " + endpointColumns + " FROM endpoints ORDER BY created_at ASC")
}

// ListEndpointsByKind returns all endpoints of the given kind.
func (s *Store) ListEndpointsByKind(kind EndpointKind) ([]Endpoint, error) {
	return s.queryEndpoints("SELECT "+endpointColumns+" FROM endpoints WHERE kind = ? ORDER BY created_at ASC", string(kind))
}

// DeleteEndpoint removes an endpoint. Queries referencing it are left in place;
// there is deliberately no cascade cleanup.
func (s *Store) DeleteEndpoint(id string) error {
	res, err := s.db.Exec("DELETE FROM endpoints WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryEndpoints(query string, args ...any) ([]Endpoint, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row rowScanner) (Endpoint, error) {
	var e Endpoint
	var kind, createdAt, updatedAt string
	var running int
	err := row.Scan(&e.ID, &e.Name, &kind, &e.ModelRef, &running, &e.Address, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Endpoint{}, ErrNotFound
	}
	if err != nil {
		return Endpoint{}, err
	}
	e.Kind = EndpointKind(kind)
	e.IsRunning = running != 0
	if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Endpoint{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Endpoint{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return e, nil
}

// --- Queries ---

const queryColumns = "id, endpoint_id, question, customer_response, internal_note, status, customer_name, created_at, updated_at"

// SaveQuery inserts or replaces a query by ID and stamps updated_at.
func (s *Store) SaveQuery(q Query) (Query, error) {
	now := time.Now().UTC()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now
	_, err := s.db.Exec(`
		INSERT INTO queries (id, endpoint_id, question, customer_response, internal_note, status, customer_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			endpoint_id = excluded.endpoint_id,
			question = excluded.question,
			customer_response = excluded.customer_response,
			internal_note = excluded.internal_note,
			status = excluded.status,
			customer_name = excluded.customer_name,
			updated_at = excluded.updated_at`,
		q.ID, q.EndpointID, q.Question, q.CustomerResponse, q.InternalNote,
		string(q.Status), q.CustomerName,
		q.CreatedAt.Format(time.RFC3339), q.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return Query{}, err
	}
	return q, nil
}

// GetQuery returns the query with the given ID, or ErrNotFound.
func (s *Store) GetQuery(id string) (Query, error) {
	row := s.db.QueryRow("SELECT "+queryColumns+" FROM queries WHERE id = ?", id)
	return scanQuery(row)
}

// DeleteQuery removes a query record. Used by the router to roll back a
// freshly created query when generation fails.
func (s *Store) DeleteQuery(id string) error {
	res, err := s.db.Exec("DELETE FROM queries WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListQueriesByStatus returns all queries with the given status.
func (s *Store) ListQueriesByStatus(status QueryStatus) ([]Query, error) {
	return s.queryQueries("SELECT "+queryColumns+" FROM queries WHERE status = ? ORDER BY created_at ASC", string(status))
}

// ListQueriesByEndpoint returns all queries owned by the given customer endpoint.
func (s *Store) ListQueriesByEndpoint(endpointID string) ([]Query, error) {
	return s.queryQueries("SELECT "+queryColumns+" FROM queries WHERE endpoint_id = ? ORDER BY created_at ASC", endpointID)
}

func (s *Store) queryQueries(query string, args ...any) ([]Query, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, q)
	}
	return results, rows.Err()
}

func scanQuery(row rowScanner) (Query, error) {
	var q Query
	var status, createdAt, updatedAt string
	err := row.Scan(&q.ID, &q.EndpointID, &q.Question, &q.CustomerResponse, &q.InternalNote, &status, &q.CustomerName, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Query{}, ErrNotFound
	}
	if err != nil {
		return Query{}, err
	}
	q.Status = QueryStatus(status)
	if q.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Query{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if q.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Query{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return q, nil
}

// TransitionQuery performs a conflict-checked lifecycle transition. The query
// is read inside a transaction, its status checked against the allowed source
// states, mutated by the callback, and written back with a status
// compare-and-swap. If another writer moved the query out of the expected
// state first, ErrConflict is returned and nothing is written.
func (s *Store) TransitionQuery(id string, from []QueryStatus, to QueryStatus, mutate func(*Query)) (Query, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Query{}, fmt.Errorf("beginning transition: %w", err)
	}

	row := tx.QueryRow("SELECT "+queryColumns+" FROM queries WHERE id = ?", id)
	q, err := scanQuery(row)
	if err != nil {
		tx.Rollback()
		return Query{}, err
	}

	allowed := false
	for _, f := range from {
		if q.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		tx.Rollback()
		return Query{}, fmt.Errorf("%w: query %s is %s", ErrConflict, id, q.Status)
	}

	prev := q.Status
	if mutate != nil {
		mutate(&q)
	}
	// The callback may edit response and note fields; status is owned here.
	q.Status = to
	q.UpdatedAt = time.Now().UTC()

	res, err := tx.Exec(`
		UPDATE queries SET customer_response = ?, internal_note = ?, status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		q.CustomerResponse, q.InternalNote, string(q.Status),
		q.UpdatedAt.Format(time.RFC3339), q.ID, string(prev),
	)
	if err != nil {
		tx.Rollback()
		return Query{}, fmt.Errorf("updating query: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return Query{}, err
	}
	if n != 1 {
		tx.Rollback()
		return Query{}, fmt.Errorf("%w: query %s left %s concurrently", ErrConflict, id, prev)
	}

	if err := tx.Commit(); err != nil {
		return Query{}, fmt.Errorf("committing transition: %w", err)
	}
	return q, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
