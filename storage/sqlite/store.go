// Package sqlite provides a SQLite implementation of resolve.Store.
package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
	"github.com/c0deZ3R0/go-conflict-kit/resolve"
	"github.com/c0deZ3R0/go-conflict-kit/storage"
)

const component = "storage/sqlite"

// Operation constants for consistent error reporting
const (
	opLogConflict    = "sqlite.LogConflict"
	opLoadConflict   = "sqlite.LoadConflict"
	opSaveResolution = "sqlite.SaveResolution"
	opListConflicts  = "sqlite.ListConflicts"
)

var (
	ErrStoreClosed      = stderrors.New("store is closed")
	ErrInvalidTableName = stderrors.New("invalid table name")
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds configuration options for the Store.
//
// DefaultConfig enables WAL mode, a 5s busy timeout and a connection pool of
// 25 open and 5 idle connections.
type Config struct {
	// DataSourceName is a file path or a file: URI. ":memory:" keeps a
	// single connection so every query sees the same database.
	DataSourceName string

	// EnableWAL appends _journal_mode=WAL to DataSourceName.
	EnableWAL bool

	// BusyTimeout makes writers wait for locks instead of failing.
	BusyTimeout time.Duration

	// TableName defaults to "conflicts".
	TableName string

	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m

	Logger *logging.Logger
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "conflicts"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.DataSourceName == ":memory:" {
		c.MaxOpenConns = 1
		c.MaxIdleConns = 1
		c.ConnMaxLifetime = 0
		c.ConnMaxIdleTime = 0
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		c.DataSourceName = withParam(c.DataSourceName, "_journal_mode=WAL")
	}
	if c.BusyTimeout > 0 && !strings.Contains(c.DataSourceName, "_busy_timeout=") {
		c.DataSourceName = withParam(c.DataSourceName, fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout.Milliseconds()))
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
}

func withParam(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}

// DefaultConfig returns a Config with production-ready defaults for SQLite.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
		BusyTimeout:    5 * time.Second,
	}
	config.setDefaults()
	return config
}

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// Store persists conflict records in one table.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	table  string
	logger *logging.Logger
}

var _ resolve.Store = (*Store)(nil)

// New opens the database and creates the table if needed.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}
	if !tableNamePattern.MatchString(config.TableName) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, config.TableName)
	}

	logger := config.Logger.WithComponent(logging.Component("sqlite-store"))
	logger.InfoContext(context.Background(), "Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{db: db, table: config.TableName, logger: logger}
	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	logger.InfoContext(context.Background(), "SQLite conflict store initialized",
		slog.String("table_name", config.TableName),
	)
	return store, nil
}

func (s *Store) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %[1]s (
        seq               INTEGER PRIMARY KEY AUTOINCREMENT,
        id                TEXT NOT NULL UNIQUE,
        session_id        TEXT NOT NULL,
        field_name        TEXT NOT NULL,
        conflict_type     TEXT NOT NULL,
        local_change      TEXT NOT NULL,
        remote_change     TEXT NOT NULL,
        base_value        TEXT NOT NULL,
        resolution        TEXT NOT NULL,
        resolution_method TEXT NOT NULL,
        user_choice       TEXT NOT NULL DEFAULT '',
        resolved_by       TEXT NOT NULL DEFAULT '',
        created_at        TIMESTAMP NOT NULL,
        resolved_at       TIMESTAMP
    );
    CREATE INDEX IF NOT EXISTS idx_%[1]s_session ON %[1]s (session_id, created_at);
    `, s.table)
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// LogConflict inserts rec. A duplicate id is a KindConflict error.
func (s *Store) LogConflict(ctx context.Context, rec *resolve.ConflictRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	row, err := storage.EncodeRecord(rec)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s
        (id, session_id, field_name, conflict_type, local_change, remote_change, base_value,
         resolution, resolution_method, user_choice, resolved_by, created_at, resolved_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	_, err = s.db.ExecContext(ctx, query,
		row.ID, row.SessionID, row.FieldName, row.ConflictType,
		string(row.LocalChange), string(row.RemoteChange), string(row.BaseValue), string(row.Resolution),
		row.ResolutionMethod, row.UserChoice, row.ResolvedBy, row.CreatedAt, row.ResolvedAt)
	if err != nil {
		return classify(err, opLogConflict)
	}
	return nil
}

func (s *Store) LoadConflict(ctx context.Context, id string) (*resolve.ConflictRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, columns, s.table)
	row, err := scanRow(s.db.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound(errors.OpLoadConflict, component, id)
	}
	if err != nil {
		return nil, classify(err, opLoadConflict)
	}
	return row.Decode()
}

func (s *Store) SaveResolution(ctx context.Context, id string, patch resolve.ResolutionPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	doc, err := storage.EncodePatch(patch)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s
        SET resolution = ?, resolution_method = ?, user_choice = ?, resolved_by = ?, resolved_at = ?
        WHERE id = ?`, s.table)
	res, err := s.db.ExecContext(ctx, query,
		string(doc), string(patch.ResolutionMethod), string(patch.UserChoice), patch.ResolvedBy,
		patch.ResolvedAt.UTC(), id)
	if err != nil {
		return classify(err, opSaveResolution)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err, opSaveResolution)
	}
	if n == 0 {
		return storage.NotFound(errors.OpSaveResolution, component, id)
	}
	return nil
}

func (s *Store) ListConflicts(ctx context.Context, sessionID string, limit int) ([]*resolve.ConflictRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE session_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?`, columns, s.table)
	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, classify(err, opListConflicts)
	}
	defer rows.Close()

	var out []*resolve.ConflictRecord
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, classify(err, opListConflicts)
		}
		rec, err := row.Decode()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, opListConflicts)
	}
	return out, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

const columns = `id, session_id, field_name, conflict_type, local_change, remote_change, base_value,
    resolution, resolution_method, user_choice, resolved_by, created_at, resolved_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (storage.Row, error) {
	var r storage.Row
	err := sc.Scan(&r.ID, &r.SessionID, &r.FieldName, &r.ConflictType,
		&r.LocalChange, &r.RemoteChange, &r.BaseValue, &r.Resolution,
		&r.ResolutionMethod, &r.UserChoice, &r.ResolvedBy, &r.CreatedAt, &r.ResolvedAt)
	return r, err
}

// classify maps driver errors onto error kinds. Busy and locked databases
// are retryable.
func classify(err error, op string) error {
	var se sqlite3.Error
	if stderrors.As(err, &se) {
		switch {
		case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
			e := errors.NewStorageError(errors.Operation(op), err)
			e.Component = component
			return e
		case se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return errors.WrapOpComponentKind(err, op, component, errors.KindConflict)
		}
	}
	return errors.WrapOpComponent(err, op, component)
}
