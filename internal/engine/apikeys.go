package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"matflow/internal/domain"
	"matflow/internal/events"
	"matflow/internal/repo"
)

// CreateAPIKey mints a key for the user and returns the plaintext exactly
// once; only the SHA-256 hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (domain.APIKey, string, error) {
	if userID == "" {
		return domain.APIKey{}, "", errors.New("user is required")
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate key: %w", err)
	}
	plaintext := "mfk_" + hex.EncodeToString(raw)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()

	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.nowStr(),
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "apikey.create", "", "apikey", key.ID, userID, events.EventPayload{"name": name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
}

// DeleteAPIKey removes one of the caller's keys. Keys belonging to other
// users read as not found.
func (e Engine) DeleteAPIKey(ctx context.Context, keyID, userID string) error {
	keys, err := e.Repo.ListAPIKeys(ctx, userID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			return e.Repo.DeleteAPIKey(ctx, keyID)
		}
	}
	return repo.ErrNotFound
}
