package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps an
	// in-memory database shared by every caller.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("Store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Operation history
// ============================================================================

const operationColumns = `
	id, task_id, kind, source, destination, format, level, strategy, status,
	error_kind, error_message, total_bytes, processed_bytes, start_time, end_time
`

// CreateOperation inserts a new Operation and sets its ID
func (s *Store) CreateOperation(op *Operation) error {
	const query = `
		INSERT INTO operations (
			task_id, kind, source, destination, format, level, strategy, status,
			error_kind, error_message, total_bytes, processed_bytes, start_time, end_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if op.StartTime.IsZero() {
		op.StartTime = time.Now()
	}
	if op.Status == "" {
		op.Status = "running"
	}

	result, err := s.db.Exec(
		query,
		op.TaskID, op.Kind, op.Source, op.Destination, op.Format, op.Level,
		op.Strategy, op.Status, op.ErrorKind, op.ErrorMessage, op.TotalBytes,
		op.ProcessedBytes, op.StartTime, op.EndTime,
	)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	op.ID = id
	return nil
}

// UpdateOperation rewrites the mutable fields of an existing Operation
func (s *Store) UpdateOperation(op *Operation) error {
	const query = `
		UPDATE operations SET
			format = ?, strategy = ?, status = ?, error_kind = ?, error_message = ?,
			total_bytes = ?, processed_bytes = ?, end_time = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		op.Format, op.Strategy, op.Status, op.ErrorKind, op.ErrorMessage,
		op.TotalBytes, op.ProcessedBytes, op.EndTime, op.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("operation %d: %w", op.ID, ErrNotFound)
	}

	return nil
}

// GetOperation retrieves an Operation by ID
func (s *Store) GetOperation(id int64) (*Operation, error) {
	query := "SELECT " + operationColumns + " FROM operations WHERE id = ?"

	op, err := scanOperation(s.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("operation %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query operation: %w", err)
	}
	return op, nil
}

// ListOperations returns operations newest first, optionally filtered by kind
func (s *Store) ListOperations(kind string, limit int) ([]Operation, error) {
	query := "SELECT " + operationColumns + " FROM operations"
	var args []interface{}

	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}

	query += " ORDER BY start_time DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, *op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return ops, nil
}

// PruneOperations deletes operations that started before the cutoff and
// returns how many were removed.
func (s *Store) PruneOperations(before time.Time) (int64, error) {
	result, err := s.db.Exec("DELETE FROM operations WHERE start_time < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune operations: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*Operation, error) {
	op := &Operation{}
	err := row.Scan(
		&op.ID, &op.TaskID, &op.Kind, &op.Source, &op.Destination, &op.Format,
		&op.Level, &op.Strategy, &op.Status, &op.ErrorKind, &op.ErrorMessage,
		&op.TotalBytes, &op.ProcessedBytes, &op.StartTime, &op.EndTime,
	)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// ============================================================================
// Feature flags
// ============================================================================

// GetFlag returns a stored flag. ErrNotFound means the flag was never set.
func (s *Store) GetFlag(name string) (*FeatureFlag, error) {
	const query = `SELECT name, enabled, updated_at FROM feature_flags WHERE name = ?`

	f := &FeatureFlag{}
	err := s.db.QueryRow(query, name).Scan(&f.Name, &f.Enabled, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("flag %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query flag: %w", err)
	}
	return f, nil
}

// SetFlag inserts or replaces a flag value
func (s *Store) SetFlag(name string, enabled bool) error {
	const query = `
		INSERT INTO feature_flags (name, enabled, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at
	`
	if _, err := s.db.Exec(query, name, enabled, time.Now()); err != nil {
		return fmt.Errorf("failed to set flag %q: %w", name, err)
	}
	return nil
}

// ListFlags returns every stored flag ordered by name
func (s *Store) ListFlags() ([]FeatureFlag, error) {
	rows, err := s.db.Query(`SELECT name, enabled, updated_at FROM feature_flags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query flags: %w", err)
	}
	defer rows.Close()

	var flags []FeatureFlag
	for rows.Next() {
		var f FeatureFlag
		if err := rows.Scan(&f.Name, &f.Enabled, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan flag: %w", err)
		}
		flags = append(flags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flags: %w", err)
	}
	return flags, nil
}

// DeleteFlags removes every stored flag so defaults apply again
func (s *Store) DeleteFlags() error {
	if _, err := s.db.Exec(`DELETE FROM feature_flags`); err != nil {
		return fmt.Errorf("failed to delete flags: %w", err)
	}
	return nil
}
