package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CategoryCreds holds the registration record under key "self".
const CategoryCreds = "creds"

const selfKey = "self"

// Credentials is a user's registration state. Fresh credentials have
// Registered == false and force a pairing flow.
type Credentials struct {
	Registered   bool      `json:"registered"`
	DeviceJID    string    `json:"device_jid,omitempty"`
	LID          string    `json:"lid,omitempty"`
	PushName     string    `json:"push_name,omitempty"`
	Platform     string    `json:"platform,omitempty"`
	BusinessName string    `json:"business_name,omitempty"`
	PairedAt     time.Time `json:"paired_at,omitzero"`
}

// CredentialStore persists per-user credentials as rows keyed by
// (user, category, id). It is safe for concurrent use by all sessions.
type CredentialStore struct {
	db *DB
}

// Credentials returns the credential store backed by db.
func (db *DB) Credentials() *CredentialStore {
	return &CredentialStore{db: db}
}

// Load returns the user's credentials, or fresh unregistered credentials
// when none are stored.
func (s *CredentialStore) Load(ctx context.Context, userID string) (*Credentials, error) {
	rows, err := s.Keys(userID).Get(ctx, CategoryCreds, []string{selfKey})
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	creds := &Credentials{}
	if raw, ok := rows[selfKey]; ok {
		if err := json.Unmarshal(raw, creds); err != nil {
			return nil, fmt.Errorf("decode credentials: %w", err)
		}
	}
	return creds, nil
}

// Save writes the registration record. It returns after the write is committed.
func (s *CredentialStore) Save(ctx context.Context, userID string, creds *Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := s.Keys(userID).Set(ctx, map[string]map[string][]byte{
		CategoryCreds: {selfKey: raw},
	}); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// Purge deletes every stored row for the user.
func (s *CredentialStore) Purge(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, s.db.rebind(`DELETE FROM credentials WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("purge credentials: %w", err)
	}
	return nil
}

// Keys returns the keyed view of userID's stored material.
func (s *CredentialStore) Keys(userID string) *KeyStore {
	return &KeyStore{db: s.db, userID: userID}
}

// KeyStore reads and writes one user's rows by (category, id).
type KeyStore struct {
	db     *DB
	userID string
}

// Get returns the values stored for ids in category. Missing ids are absent
// from the result.
func (k *KeyStore) Get(ctx context.Context, category string, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(ids)+2)
	args = append(args, k.userID, category)
	for _, id := range ids {
		args = append(args, id)
	}
	query := k.db.rebind(`SELECT key_id, value FROM credentials
		WHERE user_id = ? AND category = ? AND key_id IN (` + placeholders(len(ids)) + `)`)

	rows, err := k.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		var value []byte
		if err := rows.Scan(&id, &value); err != nil {
			return nil, err
		}
		out[id] = value
	}
	return out, rows.Err()
}

// Set applies data in one transaction. data maps category to id to value;
// a nil value is a tombstone that deletes the row.
func (k *KeyStore) Set(ctx context.Context, data map[string]map[string][]byte) error {
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert := k.db.rebind(`
		INSERT INTO credentials (user_id, category, key_id, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, category, key_id) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`)
	del := k.db.rebind(`DELETE FROM credentials WHERE user_id = ? AND category = ? AND key_id = ?`)

	now := time.Now().UnixMilli()
	for category, entries := range data {
		for id, value := range entries {
			if value == nil {
				if _, err := tx.ExecContext(ctx, del, k.userID, category, id); err != nil {
					return fmt.Errorf("delete %s/%s: %w", category, id, err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, upsert, k.userID, category, id, value, now); err != nil {
				return fmt.Errorf("upsert %s/%s: %w", category, id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
