// Package history records agreements and session outcomes in SQLite so
// that past runs can be listed after the fact.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"grimm.is/outpost/internal/clock"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrStoreClosed = errors.New("store is closed")
)

// AgreementRecord is one negotiated agreement.
type AgreementRecord struct {
	ID             string    `json:"id" yaml:"id"`
	OfferID        string    `json:"offer_id" yaml:"offer_id"`
	ProviderID     string    `json:"provider_id" yaml:"provider_id"`
	SubscriptionID string    `json:"subscription_id" yaml:"subscription_id"`
	Task           string    `json:"task" yaml:"task"`
	ApprovedAt     time.Time `json:"approved_at" yaml:"approved_at"`
	ValidTo        time.Time `json:"valid_to" yaml:"valid_to"`
}

// SessionRecord is the outcome of one execution context.
type SessionRecord struct {
	ActivityID  string    `json:"activity_id" yaml:"activity_id"`
	AgreementID string    `json:"agreement_id" yaml:"agreement_id"`
	Task        string    `json:"task" yaml:"task"`
	State       string    `json:"state" yaml:"state"`
	Finished    bool      `json:"finished" yaml:"finished"`
	ReturnCode  int       `json:"return_code" yaml:"return_code"`
	Message     string    `json:"message,omitempty" yaml:"message,omitempty"`
	Error       string    `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
	EndedAt     time.Time `json:"ended_at" yaml:"ended_at"`
}

// Options configures the store.
type Options struct {
	Path    string      // Database file path (":memory:" for in-memory)
	WALMode bool        // Enable WAL mode for better concurrency
	Clock   clock.Clock // Optional: time source (defaults to RealClock if nil)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{Path: path, WALMode: true}
}

// Store is the SQLite-backed history.
type Store struct {
	db     *sql.DB
	clock  clock.Clock
	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the history database.
func Open(opts Options) (*Store, error) {
	dsn := opts.Path
	if opts.WALMode && opts.Path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, clock: clock.Or(opts.Clock)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agreements (
			id TEXT PRIMARY KEY,
			offer_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			subscription_id TEXT NOT NULL,
			task TEXT NOT NULL,
			approved_at INTEGER NOT NULL,
			valid_to INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_agreements_approved ON agreements(approved_at);

		CREATE TABLE IF NOT EXISTS sessions (
			activity_id TEXT PRIMARY KEY,
			agreement_id TEXT NOT NULL,
			task TEXT NOT NULL,
			state TEXT NOT NULL,
			finished INTEGER NOT NULL,
			return_code INTEGER NOT NULL,
			message TEXT NOT NULL,
			error TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) check() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// RecordAgreement stores a. Recording the same agreement twice replaces it.
func (s *Store) RecordAgreement(ctx context.Context, a AgreementRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}
	if a.ApprovedAt.IsZero() {
		a.ApprovedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO agreements
			(id, offer_id, provider_id, subscription_id, task, approved_at, valid_to, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OfferID, a.ProviderID, a.SubscriptionID, a.Task,
		millis(a.ApprovedAt), millis(a.ValidTo), millis(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("record agreement %s: %w", a.ID, err)
	}
	return nil
}

// ListAgreements returns agreements approved at or after since, oldest
// first.
func (s *Store) ListAgreements(ctx context.Context, since time.Time) ([]AgreementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, offer_id, provider_id, subscription_id, task, approved_at, valid_to
		FROM agreements WHERE approved_at >= ? ORDER BY approved_at, id`, millis(since))
	if err != nil {
		return nil, fmt.Errorf("list agreements: %w", err)
	}
	defer rows.Close()

	var out []AgreementRecord
	for rows.Next() {
		var a AgreementRecord
		var approved, validTo int64
		if err := rows.Scan(&a.ID, &a.OfferID, &a.ProviderID, &a.SubscriptionID, &a.Task, &approved, &validTo); err != nil {
			return nil, err
		}
		a.ApprovedAt = fromMillis(approved)
		a.ValidTo = fromMillis(validTo)
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordSession stores or updates the outcome of a session.
func (s *Store) RecordSession(ctx context.Context, r SessionRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}
	if r.EndedAt.IsZero() {
		r.EndedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(activity_id, agreement_id, task, state, finished, return_code, message, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ActivityID, r.AgreementID, r.Task, r.State, r.Finished, r.ReturnCode,
		r.Message, r.Error, millis(r.StartedAt), millis(r.EndedAt))
	if err != nil {
		return fmt.Errorf("record session %s: %w", r.ActivityID, err)
	}
	return nil
}

// GetSession returns the record for activityID.
func (s *Store) GetSession(ctx context.Context, activityID string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return SessionRecord{}, err
	}
	var r SessionRecord
	var started, ended int64
	err := s.db.QueryRowContext(ctx, `
		SELECT activity_id, agreement_id, task, state, finished, return_code, message, error, started_at, ended_at
		FROM sessions WHERE activity_id = ?`, activityID).
		Scan(&r.ActivityID, &r.AgreementID, &r.Task, &r.State, &r.Finished, &r.ReturnCode,
			&r.Message, &r.Error, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session %s: %w", activityID, err)
	}
	r.StartedAt = fromMillis(started)
	r.EndedAt = fromMillis(ended)
	return r, nil
}
