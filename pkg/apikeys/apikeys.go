// Copyright (C) 2025 Pulselog Authors.
// See LICENSE for copying information.

package apikeys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"io"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the api key store error class.
	Error = errs.Class("apikeys")
)

// Info describes an api key record. The plaintext key is never part of it.
type Info struct {
	ID          int64      `json:"id"`
	ClientID    string     `json:"client_id"`
	Description *string    `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	Active      bool       `json:"is_active"`
}

// Credential identifies the owner of a validated key.
type Credential struct {
	ID       int64
	ClientID string
}

// Store manages hash-indexed api key records. It holds only a pool
// reference and is safe to call from concurrent boundary handlers.
type Store struct {
	log *zap.Logger
	db  *sql.DB
}

// New creates an api key store sharing the datastore's pool.
func New(log *zap.Logger, db *sql.DB) *Store {
	return &Store{log: log, db: db}
}

// HashKey returns the SHA-256 hex digest of a plaintext key. Only the
// digest is ever persisted.
func HashKey(plaintext string) string {
	digest := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(digest[:])
}

// generateKey returns 32 cryptographically random bytes, hex encoded.
func generateKey() (string, error) {
	var raw [32]byte
	if _, err := io.ReadFull(rand.Reader, raw[:]); err != nil {
		return "", Error.New("failed to generate key material: %v", err)
	}
	return hex.EncodeToString(raw[:]), nil
}

// Create stores a new key record and returns its id together with the
// plaintext key. The plaintext is returned exactly once and never persisted.
func (store *Store) Create(ctx context.Context, clientID string, description *string) (id int64, plaintext string, err error) {
	defer mon.Task()(&ctx)(&err)

	plaintext, err = generateKey()
	if err != nil {
		return 0, "", err
	}

	err = store.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (key_hash, client_id, description, created_at, is_active)
		VALUES ($1, $2, $3, now(), TRUE)
		RETURNING id
	`, HashKey(plaintext), clientID, description).Scan(&id)
	if err != nil {
		return 0, "", Error.New("failed to create api key: %v", err)
	}

	store.log.Info("api key created", zap.Int64("id", id), zap.String("client_id", clientID))
	return id, plaintext, nil
}

// Validate looks up an active record matching the plaintext's hash. On a
// hit it touches last_used_at and returns the credential; otherwise it
// returns nil.
func (store *Store) Validate(ctx context.Context, plaintext string) (_ *Credential, err error) {
	defer mon.Task()(&ctx)(&err)

	var cred Credential
	err = store.db.QueryRowContext(ctx, `
		SELECT id, client_id
		FROM api_keys
		WHERE key_hash = $1 AND is_active = TRUE
	`, HashKey(plaintext)).Scan(&cred.ID, &cred.ClientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.New("failed to validate api key: %v", err)
	}

	_, err = store.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used_at = now() WHERE id = $1
	`, cred.ID)
	if err != nil {
		return nil, Error.New("failed to touch api key: %v", err)
	}
	return &cred, nil
}

// List returns all key records, newest first.
func (store *Store) List(ctx context.Context) (_ []Info, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := store.db.QueryContext(ctx, `
		SELECT id, client_id, description, created_at, last_used_at, is_active
		FROM api_keys
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, Error.New("failed to list api keys: %v", err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var keys []Info
	for rows.Next() {
		var info Info
		var description sql.NullString
		var lastUsed sql.NullTime
		err := rows.Scan(&info.ID, &info.ClientID, &description, &info.CreatedAt, &lastUsed, &info.Active)
		if err != nil {
			return nil, Error.New("failed to scan api key: %v", err)
		}
		if description.Valid {
			info.Description = &description.String
		}
		if lastUsed.Valid {
			t := lastUsed.Time.UTC()
			info.LastUsedAt = &t
		}
		info.CreatedAt = info.CreatedAt.UTC()
		keys = append(keys, info)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.New("failed to read api keys: %v", err)
	}
	return keys, nil
}

// Revoke deactivates a key and reports whether a record was affected.
func (store *Store) Revoke(ctx context.Context, id int64) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := store.db.ExecContext(ctx, `
		UPDATE api_keys SET is_active = FALSE WHERE id = $1
	`, id)
	if err != nil {
		return false, Error.New("failed to revoke api key: %v", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, Error.Wrap(err)
	}
	return affected > 0, nil
}
