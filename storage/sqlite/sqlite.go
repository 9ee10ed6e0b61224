package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meetkit/zoom-token-broker/storage"
)

// timeLayout is the stored representation of LastUpdated. RFC 3339
// with nanoseconds keeps lexical and chronological order aligned.
const timeLayout = time.RFC3339Nano

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	user_id       TEXT PRIMARY KEY,
	email         TEXT NOT NULL,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	last_updated  TEXT NOT NULL
)`

// Store is a SQLite-backed implementation of storage.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// Open opens (creating if necessary) a SQLite credential store at the
// given path. WAL mode and a busy timeout are enabled so concurrent
// requests do not trip "database is locked" errors.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY on concurrent writes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create credentials table: %w", err)
	}

	logger.Info("Opened SQLite credential store", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Get retrieves the credential for a user.
func (s *Store) Get(ctx context.Context, userID string) (*storage.Credential, error) {
	const query = `
		SELECT user_id, email, access_token, refresh_token, last_updated
		FROM credentials
		WHERE user_id = ?
	`

	var cred storage.Credential
	var lastUpdated string

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&cred.UserID, &cred.Email, &cred.AccessToken, &cred.RefreshToken, &lastUpdated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential for %s: %w", userID, err)
	}

	cred.LastUpdated, err = time.Parse(timeLayout, lastUpdated)
	if err != nil {
		return nil, fmt.Errorf("parse last_updated for %s: %w", userID, err)
	}

	return &cred, nil
}

// Create inserts a new credential.
func (s *Store) Create(ctx context.Context, cred *storage.Credential) error {
	const query = `
		INSERT INTO credentials (user_id, email, access_token, refresh_token, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query,
		cred.UserID, cred.Email, cred.AccessToken, cred.RefreshToken,
		cred.LastUpdated.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("create credential for %s: %w", cred.UserID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create credential for %s: %w", cred.UserID, err)
	}
	if affected == 0 {
		return storage.ErrAlreadyExists
	}

	return nil
}

// Update overwrites the token pair and LastUpdated for a user in a
// single statement, so readers never observe a half-written pair.
func (s *Store) Update(ctx context.Context, userID string, upd storage.TokenUpdate) error {
	const query = `
		UPDATE credentials
		SET access_token = ?, refresh_token = ?, last_updated = ?
		WHERE user_id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		upd.AccessToken, upd.RefreshToken, upd.LastUpdated.UTC().Format(timeLayout), userID,
	)
	if err != nil {
		return fmt.Errorf("update credential for %s: %w", userID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update credential for %s: %w", userID, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// Delete removes the credential for a user.
func (s *Store) Delete(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete credential for %s: %w", userID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete credential for %s: %w", userID, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// List enumerates all users, excluding token columns.
func (s *Store) List(ctx context.Context) ([]storage.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, email FROM credentials ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var users []storage.User
	for rows.Next() {
		var u storage.User
		if err := rows.Scan(&u.UserID, &u.Email); err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	return users, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
