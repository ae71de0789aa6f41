package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/hivemesh/switchboard/pkg/clock"
	"github.com/hivemesh/switchboard/pkg/errdefs"
	"github.com/hivemesh/switchboard/pkg/log"
	"github.com/hivemesh/switchboard/pkg/metrics"
	"github.com/hivemesh/switchboard/pkg/types"
)

const (
	dbFileName      = "switchboard.db"
	artifactsDir    = "artifacts"
	versionFileName = "protocol_version"
)

// Options tunes the store's contention behavior.
type Options struct {
	BusyTimeout time.Duration // writer lock wait, at least 5s
	MaxRetries  int           // bounded retry on transient contention
	RetryBase   time.Duration // first backoff step
}

// DefaultOptions returns the tuning used when none is supplied.
func DefaultOptions() Options {
	return Options{
		BusyTimeout: 5 * time.Second,
		MaxRetries:  5,
		RetryBase:   50 * time.Millisecond,
	}
}

// Store is the single owner of all persisted state. One writer handle
// serializes mutations with immediate transactions; a reader pool serves
// concurrent snapshots off the WAL.
type Store struct {
	writer *sql.DB
	reader *sql.DB
	dir    string
	opts   Options
	logger zerolog.Logger
}

// Open creates or opens the persisted layout under dir: the database file
// with its WAL sidecars, an artifacts directory for out-of-band payloads,
// and the protocol version file.
func Open(dir string, opts Options) (*Store, error) {
	if opts.BusyTimeout < 5*time.Second {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.MaxRetries <= 0 || opts.MaxRetries > 5 {
		opts.MaxRetries = 5
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 50 * time.Millisecond
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, artifactsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts dir: %w", err)
	}
	if err := writeVersionFile(dir); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, dbFileName)
	busyMillis := int(opts.BusyTimeout / time.Millisecond)

	// The writer reserves the write lock up front so check-then-write
	// sequences cannot race; one connection keeps BEGIN IMMEDIATE honest.
	writerDSN := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_foreign_keys=0&_txlock=immediate",
		dbPath, busyMillis,
	)
	readerDSN := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_foreign_keys=0",
		dbPath, busyMillis,
	)

	writer, err := sql.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", readerDSN)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open reader: %w", err)
	}

	s := &Store{
		writer: writer,
		reader: reader,
		dir:    dir,
		opts:   opts,
		logger: log.WithComponent("store"),
	}

	if err := s.applySchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s.logger.Info().Str("path", dbPath).Msg("store opened")
	return s, nil
}

func writeVersionFile(dir string) error {
	path := filepath.Join(dir, versionFileName)
	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if string(existing) != types.ProtocolVersion {
			return fmt.Errorf("data dir speaks protocol %q, this build speaks %q",
				string(existing), types.ProtocolVersion)
		}
		return nil
	case os.IsNotExist(err):
		return os.WriteFile(path, []byte(types.ProtocolVersion), 0o644)
	default:
		return fmt.Errorf("failed to read version file: %w", err)
	}
}

// Dir returns the data directory the store was opened on.
func (s *Store) Dir() string {
	return s.dir
}

// ArtifactsDir returns the directory for large out-of-band payloads.
func (s *Store) ArtifactsDir() string {
	return filepath.Join(s.dir, artifactsDir)
}

// Close closes both database handles.
func (s *Store) Close() error {
	rerr := s.reader.Close()
	werr := s.writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Update runs fn inside an immediate write transaction, retrying on
// transient contention with exponential backoff and jitter. A persistent
// failure surfaces as ErrStoreUnavailable; errors from fn pass through
// untouched.
func (s *Store) Update(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.StoreRetries.Inc()
			select {
			case <-time.After(backoff(s.opts.RetryBase, attempt)):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", errdefs.ErrStoreUnavailable, ctx.Err())
			}
		}

		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
		s.logger.Debug().Int("attempt", attempt+1).Err(err).Msg("write contention, retrying")
	}
	return fmt.Errorf("%w: %v", errdefs.ErrStoreUnavailable, lastErr)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// View runs fn inside a read-only snapshot on the reader pool.
func (s *Store) View(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.reader.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()
	return fn(tx)
}

// Ping verifies both handles can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.reader.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrStoreUnavailable, err)
	}
	if err := s.writer.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrStoreUnavailable, err)
	}
	return nil
}

// Checkpoint fsyncs the WAL into the main file and truncates it.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("checkpoint failed: %w", err)
	}
	return nil
}

// FreePages reports how many freelist pages the database carries.
func (s *Store) FreePages(ctx context.Context) (int, error) {
	var n int
	if err := s.reader.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&n); err != nil {
		return 0, fmt.Errorf("freelist_count failed: %w", err)
	}
	return n, nil
}

// Vacuum rebuilds the database file to reclaim free pages. Runs outside
// any transaction.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.writer.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	return nil
}

// backoff doubles the base per attempt and jitters the result by ±50%.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	jitter := 0.5 + rand.Float64() // 0.5x .. 1.5x
	return time.Duration(float64(d) * jitter)
}

// isBusy reports whether err is transient writer-lock contention.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// ChannelExists reports whether name is a known channel. Works inside any
// transaction, read or write.
func ChannelExists(tx *sql.Tx, name string) (bool, error) {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM channels WHERE name = ?`, name).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, err
	}
}

// NullString maps empty strings to NULL for optional TEXT columns.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// NullTime maps the zero time to NULL, otherwise the canonical timestamp.
func NullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: clock.Format(t), Valid: true}
}

// ParseTime reads a nullable canonical timestamp column.
func ParseTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return clock.Parse(ns.String)
}
