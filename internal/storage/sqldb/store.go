package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/report-relay/internal/domain"
	"github.com/tjfontaine/report-relay/internal/storage"
	"github.com/tjfontaine/report-relay/internal/storage/dialect"
)

// Store is a SQL implementation of ReportStore and rotation counters that
// supports multiple database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	now     func() time.Time
}

var (
	_ storage.ReportStore  = (*Store)(nil)
	_ storage.CounterStore = (*Store)(nil)
)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres, mysql
	DSN    string // Data source name / connection string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the source of submission timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config, opts ...Option) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if n := d.MaxOpenConns(); n > 0 {
		db.SetMaxOpenConns(n)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := NewWithDB(db, d, opts...)
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dbPath string, opts ...Option) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath}, opts...)
}

// NewWithDB wraps an open database without touching the schema.
func NewWithDB(db *sqlx.DB, d dialect.Dialect, opts ...Option) *Store {
	s := &Store{db: db, dialect: d, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema() error {
	key, text := s.dialect.KeyType(), s.dialect.TextType()
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS reports (
	object_name %[1]s NOT NULL,
	school %[2]s,
	method %[2]s,
	phone %[2]s,
	time %[2]s,
	transcription_text %[2]s,
	submission_timestamp %[1]s NOT NULL,
	PRIMARY KEY (object_name, submission_timestamp)
)`, key, text),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rotation_counters (
	provider %s NOT NULL PRIMARY KEY,
	counter BIGINT NOT NULL
)`, key),
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

const reportColumns = `object_name,
	COALESCE(school, '') AS school,
	COALESCE(method, '') AS method,
	COALESCE(phone, '') AS phone,
	COALESCE(time, '') AS time,
	COALESCE(transcription_text, '') AS transcription_text,
	submission_timestamp`

func (s *Store) SaveReport(ctx context.Context, r *domain.Report) error {
	if r.ObjectName == "" {
		return domain.ErrValidation("missing object_name")
	}
	r.SubmissionTimestamp = domain.FormatTimestamp(s.now())

	query := s.dialect.Rebind(`INSERT INTO reports
	(object_name, school, method, phone, time, transcription_text, submission_timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?) ` + s.dialect.UpsertClause(
		[]string{"object_name", "submission_timestamp"},
		[]string{"school", "method", "phone", "time", "transcription_text"},
	))

	_, err := s.db.ExecContext(ctx, query,
		r.ObjectName, r.School, r.Method, r.Phone, r.Time, r.TranscriptionText, r.SubmissionTimestamp)
	if err != nil {
		return domain.ErrStorage("failed to save report", err)
	}
	return nil
}

func (s *Store) ListLatestReports(ctx context.Context) ([]domain.Report, error) {
	query := `SELECT r.object_name,
	COALESCE(r.school, '') AS school,
	COALESCE(r.method, '') AS method,
	COALESCE(r.phone, '') AS phone,
	COALESCE(r.time, '') AS time,
	COALESCE(r.transcription_text, '') AS transcription_text,
	r.submission_timestamp
	FROM reports r
	JOIN (SELECT object_name, MAX(submission_timestamp) AS latest
	      FROM reports GROUP BY object_name) m
	  ON r.object_name = m.object_name AND r.submission_timestamp = m.latest
	ORDER BY r.submission_timestamp DESC`

	reports := []domain.Report{}
	if err := s.db.SelectContext(ctx, &reports, query); err != nil {
		return nil, domain.ErrStorage("failed to list reports", err)
	}
	return reports, nil
}

func (s *Store) ListTimestamps(ctx context.Context, objectName string) ([]string, error) {
	query := s.dialect.Rebind(`SELECT submission_timestamp FROM reports
	WHERE object_name = ?
	ORDER BY submission_timestamp DESC`)

	timestamps := []string{}
	if err := s.db.SelectContext(ctx, &timestamps, query, objectName); err != nil {
		return nil, domain.ErrStorage("failed to list timestamps", err)
	}
	return timestamps, nil
}

func (s *Store) GetReport(ctx context.Context, objectName, timestamp string) (*domain.Report, error) {
	var (
		query string
		args  []any
	)
	if timestamp == "" {
		query = `SELECT ` + reportColumns + ` FROM reports WHERE object_name = ?
	ORDER BY submission_timestamp DESC LIMIT 1`
		args = []any{objectName}
	} else {
		query = `SELECT ` + reportColumns + ` FROM reports
	WHERE object_name = ? AND submission_timestamp = ?`
		args = []any{objectName, timestamp}
	}

	var r domain.Report
	err := s.db.GetContext(ctx, &r, s.dialect.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		if timestamp == "" {
			return nil, domain.ErrNotFound("no report for " + objectName)
		}
		return nil, domain.ErrNotFound(fmt.Sprintf("no report for %s at %s", objectName, timestamp))
	}
	if err != nil {
		return nil, domain.ErrStorage("failed to get report", err)
	}
	return &r, nil
}

// Increment advances the rotation counter for name and returns its previous
// value. The row lock taken by the UPDATE serializes concurrent callers.
func (s *Store) Increment(ctx context.Context, name string) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin rotation tx: %w", err)
	}
	defer tx.Rollback()

	ensure := s.dialect.Rebind(`INSERT INTO rotation_counters (provider, counter) VALUES (?, 0) ` +
		s.dialect.UpsertClause([]string{"provider"}, nil))
	if _, err := tx.ExecContext(ctx, ensure, name); err != nil {
		return 0, fmt.Errorf("ensure rotation counter: %w", err)
	}

	update := s.dialect.Rebind(`UPDATE rotation_counters SET counter = counter + 1 WHERE provider = ?`)
	if _, err := tx.ExecContext(ctx, update, name); err != nil {
		return 0, fmt.Errorf("increment rotation counter: %w", err)
	}

	var counter int64
	if err := tx.GetContext(ctx, &counter, s.dialect.Rebind(`SELECT counter FROM rotation_counters WHERE provider = ?`), name); err != nil {
		return 0, fmt.Errorf("read rotation counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rotation tx: %w", err)
	}
	return counter - 1, nil
}
