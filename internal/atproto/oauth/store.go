package oauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"postdispatch/internal/apierr"
	"postdispatch/internal/audit"
)

// Persistence for AuthSessions: confidentiality-at-rest for tokens and DPoP
// private keys, plus atomic rotation. Every ciphertext column is encrypted
// independently (distinct nonce per column) so compromising one column never
// exposes another.

var (
	ErrSessionNotFound = errors.New("oauth session not found")
	ErrSessionExpired  = errors.New("oauth session inactive or refresh-expired")
)

// AuthSession is a session row with tokens and DPoP key decrypted to
// plaintext, as returned by Get/GetMostRecentActive.
type AuthSession struct {
	ID               string
	UserID           string
	AccessToken      string
	RefreshToken     string
	DPoPPrivateKey   jwk.Key
	DPoPPublicKeyJWK string
	DPoPKeyID        string
	AccessExpiry     time.Time
	RefreshExpiry    time.Time
	IsActive         bool
	LastUsedAt       time.Time
	UserAgent        string
	SourceAddr       string
	RevokedAt        *time.Time
	RevokeReason     string
	CreatedAt        time.Time
}

// NewSession is the plaintext input to Put.
type NewSession struct {
	UserID           string
	AccessToken      string
	RefreshToken     string
	DPoPPrivateKey   jwk.Key
	DPoPPublicKeyJWK string
	DPoPKeyID        string
	AccessExpiry     time.Time
	RefreshExpiry    time.Time
	UserAgent        string
	SourceAddr       string
}

// TokenStore is the persistence contract AuthCore depends on.
type TokenStore interface {
	Put(ctx context.Context, s NewSession) (string, error)
	Rotate(ctx context.Context, sessionID, newAccess, newRefresh string, newDPoPPrivate jwk.Key, newAccessExpiry, newRefreshExpiry time.Time) error
	Get(ctx context.Context, sessionID string) (*AuthSession, error)
	GetMostRecentActive(ctx context.Context, userID string) (*AuthSession, error)
	Revoke(ctx context.Context, sessionID, reason string) error
	PurgeExpired(ctx context.Context) (int64, error)
}

// PostgresTokenStore implements TokenStore against the auth_sessions table.
type PostgresTokenStore struct {
	db  *sql.DB
	key []byte
}

// NewPostgresTokenStore builds a store using key as the AEAD key for every
// column. key must already be the output of DeriveKey, not a raw secret.
func NewPostgresTokenStore(db *sql.DB, key []byte) *PostgresTokenStore {
	return &PostgresTokenStore{db: db, key: key}
}

func (s *PostgresTokenStore) Put(ctx context.Context, in NewSession) (string, error) {
	encAccess, err := Encrypt(s.key, []byte(in.AccessToken))
	if err != nil {
		return "", fmt.Errorf("encrypting access token: %w", err)
	}
	encRefresh, err := Encrypt(s.key, []byte(in.RefreshToken))
	if err != nil {
		return "", fmt.Errorf("encrypting refresh token: %w", err)
	}
	dpopJSON, err := JWKToJSON(in.DPoPPrivateKey)
	if err != nil {
		return "", fmt.Errorf("serializing DPoP private key: %w", err)
	}
	encDPoP, err := Encrypt(s.key, dpopJSON)
	if err != nil {
		return "", fmt.Errorf("encrypting DPoP private key: %w", err)
	}

	query := `
		INSERT INTO auth_sessions (
			user_id, encrypted_access_token, encrypted_refresh_token,
			encrypted_dpop_private_key, dpop_public_key_jwk, dpop_key_id,
			access_expiry, refresh_expiry, is_active, last_used_at,
			user_agent, source_addr
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, now(), $9, $10)
		RETURNING id
	`

	var id string
	err = s.db.QueryRowContext(ctx, query,
		in.UserID, encAccess, encRefresh,
		encDPoP, in.DPoPPublicKeyJWK, in.DPoPKeyID,
		in.AccessExpiry, in.RefreshExpiry,
		nullableString(in.UserAgent), nullableString(in.SourceAddr),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("inserting auth session: %w", err)
	}
	return id, nil
}

func (s *PostgresTokenStore) Rotate(ctx context.Context, sessionID, newAccess, newRefresh string, newDPoPPrivate jwk.Key, newAccessExpiry, newRefreshExpiry time.Time) error {
	encAccess, err := Encrypt(s.key, []byte(newAccess))
	if err != nil {
		return fmt.Errorf("encrypting access token: %w", err)
	}
	encRefresh, err := Encrypt(s.key, []byte(newRefresh))
	if err != nil {
		return fmt.Errorf("encrypting refresh token: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning rotate transaction: %w", err)
	}
	defer tx.Rollback()

	var result sql.Result
	if newDPoPPrivate != nil {
		dpopJSON, err := JWKToJSON(newDPoPPrivate)
		if err != nil {
			return fmt.Errorf("serializing DPoP private key: %w", err)
		}
		encDPoP, err := Encrypt(s.key, dpopJSON)
		if err != nil {
			return fmt.Errorf("encrypting DPoP private key: %w", err)
		}
		pub, err := newDPoPPrivate.PublicKey()
		if err != nil {
			return fmt.Errorf("deriving DPoP public key: %w", err)
		}
		pubJSON, err := JWKToJSON(pub)
		if err != nil {
			return fmt.Errorf("serializing DPoP public key: %w", err)
		}
		keyID, err := KeyID(newDPoPPrivate)
		if err != nil {
			return fmt.Errorf("computing DPoP key id: %w", err)
		}

		result, err = tx.ExecContext(ctx, `
			UPDATE auth_sessions SET
				encrypted_access_token = $2,
				encrypted_refresh_token = $3,
				encrypted_dpop_private_key = $4,
				dpop_public_key_jwk = $5,
				dpop_key_id = $6,
				access_expiry = $7,
				refresh_expiry = $8,
				last_used_at = now()
			WHERE id = $1 AND is_active = true
		`, sessionID, encAccess, encRefresh, encDPoP, string(pubJSON), keyID, newAccessExpiry, newRefreshExpiry)
		if err != nil {
			return fmt.Errorf("rotating session with new DPoP key: %w", err)
		}
	} else {
		result, err = tx.ExecContext(ctx, `
			UPDATE auth_sessions SET
				encrypted_access_token = $2,
				encrypted_refresh_token = $3,
				access_expiry = $4,
				refresh_expiry = $5,
				last_used_at = now()
			WHERE id = $1 AND is_active = true
		`, sessionID, encAccess, encRefresh, newAccessExpiry, newRefreshExpiry)
		if err != nil {
			return fmt.Errorf("rotating session: %w", err)
		}
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rotate rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSessionNotFound
	}

	return tx.Commit()
}

func (s *PostgresTokenStore) Get(ctx context.Context, sessionID string) (*AuthSession, error) {
	return s.scanOne(ctx, `
		SELECT id, user_id, encrypted_access_token, encrypted_refresh_token,
			encrypted_dpop_private_key, dpop_public_key_jwk, dpop_key_id,
			access_expiry, refresh_expiry, is_active, last_used_at,
			user_agent, source_addr, revoked_at, revoke_reason, created_at
		FROM auth_sessions WHERE id = $1
	`, sessionID)
}

func (s *PostgresTokenStore) GetMostRecentActive(ctx context.Context, userID string) (*AuthSession, error) {
	return s.scanOne(ctx, `
		SELECT id, user_id, encrypted_access_token, encrypted_refresh_token,
			encrypted_dpop_private_key, dpop_public_key_jwk, dpop_key_id,
			access_expiry, refresh_expiry, is_active, last_used_at,
			user_agent, source_addr, revoked_at, revoke_reason, created_at
		FROM auth_sessions
		WHERE user_id = $1 AND is_active = true
		ORDER BY last_used_at DESC
		LIMIT 1
	`, userID)
}

func (s *PostgresTokenStore) scanOne(ctx context.Context, query string, arg any) (*AuthSession, error) {
	var sess AuthSession
	var encAccess, encRefresh, encDPoP string
	var userAgent, sourceAddr, revokeReason sql.NullString
	var revokedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&sess.ID, &sess.UserID, &encAccess, &encRefresh,
		&encDPoP, &sess.DPoPPublicKeyJWK, &sess.DPoPKeyID,
		&sess.AccessExpiry, &sess.RefreshExpiry, &sess.IsActive, &sess.LastUsedAt,
		&userAgent, &sourceAddr, &revokedAt, &revokeReason, &sess.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading auth session: %w", err)
	}

	if !sess.IsActive || !sess.RefreshExpiry.After(time.Now()) {
		return nil, ErrSessionExpired
	}

	accessPlain, err := Decrypt(s.key, encAccess)
	if err != nil {
		return nil, s.failCrypto(ctx, sess.ID, "decrypting access token", err)
	}
	refreshPlain, err := Decrypt(s.key, encRefresh)
	if err != nil {
		return nil, s.failCrypto(ctx, sess.ID, "decrypting refresh token", err)
	}
	dpopPlain, err := Decrypt(s.key, encDPoP)
	if err != nil {
		return nil, s.failCrypto(ctx, sess.ID, "decrypting DPoP private key", err)
	}
	dpopKey, err := ParseJWKFromJSON(dpopPlain)
	if err != nil {
		return nil, s.failCrypto(ctx, sess.ID, "parsing decrypted DPoP private key", err)
	}

	sess.AccessToken = string(accessPlain)
	sess.RefreshToken = string(refreshPlain)
	sess.DPoPPrivateKey = dpopKey
	if userAgent.Valid {
		sess.UserAgent = userAgent.String
	}
	if sourceAddr.Valid {
		sess.SourceAddr = sourceAddr.String
	}
	if revokeReason.Valid {
		sess.RevokeReason = revokeReason.String
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		sess.RevokedAt = &t
	}

	return &sess, nil
}

// Revoke deactivates sessionID and records the revocation in audit_log in
// the same transaction, so a session can never appear revoked without a
// matching audit trail entry.
func (s *PostgresTokenStore) Revoke(ctx context.Context, sessionID, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning revoke transaction: %w", err)
	}
	defer tx.Rollback()

	var userID string
	err = tx.QueryRowContext(ctx, `
		UPDATE auth_sessions
		SET is_active = false, revoked_at = now(), revoke_reason = $2
		WHERE id = $1 AND is_active = true
		RETURNING user_id
	`, sessionID, reason).Scan(&userID)
	if err == sql.ErrNoRows {
		// Already revoked or never existed; nothing to audit, not an error.
		return nil
	}
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}

	if err := audit.Insert(ctx, tx, userID, "auth_session", sessionID, "revoked", reason); err != nil {
		return err
	}

	return tx.Commit()
}

// failCrypto revokes sessionID and returns a KindCryptoFailure apierr.Error
// wrapping cause, for use when a session row's ciphertext fails to decrypt
// or its stored DPoP key fails to parse. The revoke (and its audit entry)
// is best-effort: if it also fails, the original crypto error still wins.
func (s *PostgresTokenStore) failCrypto(ctx context.Context, sessionID, action string, cause error) error {
	if revokeErr := s.Revoke(ctx, sessionID, "crypto_failure"); revokeErr != nil {
		return apierr.Wrap(apierr.KindCryptoFailure, fmt.Sprintf("%s failed, session could not be revoked", action), cause)
	}
	return apierr.Wrap(apierr.KindCryptoFailure, fmt.Sprintf("%s failed, session revoked", action), cause)
}

func (s *PostgresTokenStore) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE auth_sessions SET is_active = false
		WHERE refresh_expiry < now() AND is_active = true
	`)
	if err != nil {
		return 0, fmt.Errorf("purging expired sessions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking purge rows affected: %w", err)
	}
	return rows, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
