// Package sqlite is a CredentialStore backed by an SQLite database. The
// refresh token and client secret are sealed at rest when the store has a
// Sealer.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aussiebroadwan/carelink/pkg/carelink"
	"github.com/aussiebroadwan/carelink/pkg/cryptox"
	_ "modernc.org/sqlite"
)

// DefaultName is the row the store reads and writes unless WithName is used.
const DefaultName = "default"

// ErrSealerRequired is returned when a sealed row is read by a store that
// was opened without a Sealer.
var ErrSealerRequired = errors.New("sqlite: credential is sealed but no master key is configured")

// Store holds one credential per row, keyed by name.
type Store struct {
	db     *sql.DB
	name   string
	sealer *cryptox.Sealer
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithSealer seals refresh tokens and client secrets written from now on.
func WithSealer(sealer *cryptox.Sealer) Option {
	return func(s *Store) { s.sealer = sealer }
}

// WithName selects the credential row, so one database can hold several
// accounts.
func WithName(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.name = name
		}
	}
}

// NewStore opens the database at dsn. Call ApplyMigrations before use.
func NewStore(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(context.Background(), `PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:   db,
		name: DefaultName,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a transaction, committing when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const selectCredential = `
SELECT access_token, refresh_token, scope, client_id, client_secret, device_session_id, sealed
FROM credentials
WHERE name = ?`

func (s *Store) Load(ctx context.Context) (*carelink.Credential, error) {
	var (
		cred            carelink.Credential
		refresh, secret []byte
		sealed          bool
	)
	err := s.db.QueryRowContext(ctx, selectCredential, s.name).Scan(
		&cred.AccessToken,
		&refresh,
		&cred.Scope,
		&cred.ClientID,
		&secret,
		&cred.DeviceSessionID,
		&sealed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, carelink.ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load credential: %w", err)
	}

	if cred.RefreshToken, err = s.open(refresh, sealed); err != nil {
		return nil, err
	}
	if cred.ClientSecret, err = s.open(secret, sealed); err != nil {
		return nil, err
	}
	return &cred, nil
}

const upsertCredential = `
INSERT INTO credentials (name, access_token, refresh_token, scope, client_id, client_secret, device_session_id, sealed, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
    access_token      = excluded.access_token,
    refresh_token     = excluded.refresh_token,
    scope             = excluded.scope,
    client_id         = excluded.client_id,
    client_secret     = excluded.client_secret,
    device_session_id = excluded.device_session_id,
    sealed            = excluded.sealed,
    updated_at        = excluded.updated_at`

func (s *Store) Save(ctx context.Context, cred *carelink.Credential) error {
	if cred == nil {
		return errors.New("sqlite: refusing to store nil credential")
	}

	refresh, err := s.seal(cred.RefreshToken)
	if err != nil {
		return err
	}
	secret, err := s.seal(cred.ClientSecret)
	if err != nil {
		return err
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, upsertCredential,
			s.name,
			cred.AccessToken,
			refresh,
			cred.Scope,
			cred.ClientID,
			secret,
			cred.DeviceSessionID,
			s.sealer != nil,
			s.now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("sqlite: failed to save credential: %w", err)
		}
		return nil
	})
}

// Delete removes the credential row. Deleting a missing row is not an
// error.
func (s *Store) Delete(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE name = ?`, s.name); err != nil {
			return fmt.Errorf("sqlite: failed to delete credential: %w", err)
		}
		return nil
	})
}

func (s *Store) seal(value string) ([]byte, error) {
	if s.sealer == nil {
		return []byte(value), nil
	}
	sealed, err := s.sealer.Seal([]byte(value))
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to seal secret: %w", err)
	}
	return sealed, nil
}

func (s *Store) open(value []byte, sealed bool) (string, error) {
	if !sealed {
		return string(value), nil
	}
	if s.sealer == nil {
		return "", ErrSealerRequired
	}
	plain, err := s.sealer.Open(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", carelink.ErrCredentialCorrupt, err)
	}
	return string(plain), nil
}
