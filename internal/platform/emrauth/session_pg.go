package emrauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/headachemd/emr/internal/platform/emr"
)

// pgRow represents a single row returned by QueryRow.
type pgRow interface {
	Scan(dest ...any) error
}

// pgConn is the minimal database interface PGSessionStore needs. Both
// *pgxpool.Pool (through pgxPoolWrapper) and test mocks implement it.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Exec(ctx context.Context, sql string, args ...any) error
}

// PGSessionStore is a PostgreSQL-backed SessionStore over the emr_sessions
// table (migrations/001_emr_sessions.sql). Sessions are stored as
// JSONB alongside an explicit expires_at column used for filtering. Once a
// seal key is set the JSONB holds only {"sealed": <AES-GCM ciphertext>}.
type PGSessionStore struct {
	db        pgConn
	retention time.Duration
	sealer    *stateSealer
}

// NewPGSessionStore creates a store over db.
func NewPGSessionStore(db pgConn, retention time.Duration) *PGSessionStore {
	return &PGSessionStore{db: db, retention: retention}
}

// NewPGSessionStoreFromPool creates a store directly from a pool.
func NewPGSessionStoreFromPool(pool *pgxpool.Pool, retention time.Duration) *PGSessionStore {
	return &PGSessionStore{db: &pgxPoolWrapper{pool: pool}, retention: retention}
}

// SealWith encrypts stored tokens with the 64-hex-character key, the same
// key format the state codec takes. Rows written before sealing was enabled
// remain readable.
func (s *PGSessionStore) SealWith(hexKey string) error {
	sealer, err := sealerFromHex(hexKey)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	s.sealer = sealer
	return nil
}

type sessionJSON struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	IssuedAt     time.Time `json:"issued_at"`
	Scope        string    `json:"scope,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	PatientID    string    `json:"patient_id,omitempty"`
}

type sealedJSON struct {
	Sealed []byte `json:"sealed,omitempty"`
}

func (s *PGSessionStore) Save(ctx context.Context, sess *Session) error {
	if sess.Token == nil {
		return fmt.Errorf("save emr session: token is required")
	}
	data, err := json.Marshal(sessionJSON{
		AccessToken:  sess.Token.Token,
		TokenType:    sess.Token.TokenType,
		ExpiresAt:    sess.Token.ExpiresAt,
		IssuedAt:     sess.Token.IssuedAt,
		Scope:        sess.Token.Scope,
		RefreshToken: sess.Token.RefreshToken,
		PatientID:    sess.PatientID,
	})
	if err != nil {
		return fmt.Errorf("marshal emr session: %w", err)
	}
	if s.sealer != nil {
		sealed, err := s.sealer.seal(data)
		if err != nil {
			return fmt.Errorf("seal emr session: %w", err)
		}
		if data, err = json.Marshal(sealedJSON{Sealed: sealed}); err != nil {
			return fmt.Errorf("marshal emr session: %w", err)
		}
	}

	const query = `INSERT INTO emr_sessions (user_id, system, session_json, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, system) DO UPDATE SET session_json = EXCLUDED.session_json,
                                            created_at   = EXCLUDED.created_at,
                                            expires_at   = EXCLUDED.expires_at`

	if err := s.db.Exec(ctx, query, sess.UserID, sess.System, data, sess.CreatedAt, sessionExpiry(sess, s.retention)); err != nil {
		return fmt.Errorf("save emr session: %w", err)
	}
	return nil
}

func (s *PGSessionStore) Get(ctx context.Context, userID, system string) (*Session, error) {
	const query = `SELECT session_json, created_at FROM emr_sessions
WHERE user_id = $1 AND system = $2 AND expires_at > now()`

	var (
		data      []byte
		createdAt time.Time
	)
	if err := s.db.QueryRow(ctx, query, userID, system).Scan(&data, &createdAt); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get emr session: %w", err)
	}

	var env sealedJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal emr session: %w", err)
	}
	if len(env.Sealed) > 0 {
		if s.sealer == nil {
			return nil, fmt.Errorf("get emr session: row is sealed and no key is configured")
		}
		opened, err := s.sealer.open(env.Sealed)
		if err != nil {
			return nil, fmt.Errorf("open emr session: %w", err)
		}
		data = opened
	}

	var j sessionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal emr session: %w", err)
	}
	return &Session{
		UserID: userID,
		System: system,
		Token: &emr.AccessToken{
			Token:        j.AccessToken,
			TokenType:    j.TokenType,
			ExpiresAt:    j.ExpiresAt,
			IssuedAt:     j.IssuedAt,
			Scope:        j.Scope,
			RefreshToken: j.RefreshToken,
			PatientID:    j.PatientID,
		},
		PatientID: j.PatientID,
		CreatedAt: createdAt,
	}, nil
}

func (s *PGSessionStore) Delete(ctx context.Context, userID, system string) error {
	const query = `DELETE FROM emr_sessions WHERE user_id = $1 AND system = $2`
	if err := s.db.Exec(ctx, query, userID, system); err != nil {
		return fmt.Errorf("delete emr session: %w", err)
	}
	return nil
}

// Cleanup deletes all expired rows.
func (s *PGSessionStore) Cleanup(ctx context.Context) error {
	const query = `DELETE FROM emr_sessions WHERE expires_at <= now()`
	if err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("cleanup emr sessions: %w", err)
	}
	return nil
}

// isNoRows works with both pgx.ErrNoRows and the test mock.
func isNoRows(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "no rows")
}

// pgxPoolWrapper adapts *pgxpool.Pool to pgConn; pool.Exec returns a
// command tag that the store does not need.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := w.pool.Exec(ctx, sql, args...)
	return err
}
