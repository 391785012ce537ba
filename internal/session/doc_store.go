package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"firewatch/api/internal/docstore"
)

const sessionCollection = "sessions"

type sessionRecord struct {
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

type documentStore interface {
	Get(ctx context.Context, collection, docID string, target any) error
	Set(ctx context.Context, collection, docID string, doc any) error
	Delete(ctx context.Context, collection, docID string) error
}

// DocStore keeps refresh sessions in the document store. Used when Redis
// is not configured.
type DocStore struct {
	store documentStore
}

func NewDocStore(store documentStore) *DocStore {
	return &DocStore{store: store}
}

func (s *DocStore) SaveRefreshSession(ctx context.Context, tokenHash, email string, expiresAt time.Time) error {
	record := sessionRecord{Email: email, ExpiresAt: expiresAt, CreatedAt: time.Now().UTC()}
	if err := s.store.Set(ctx, sessionCollection, tokenHash, record); err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *DocStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var record sessionRecord
	if err := s.store.Get(ctx, sessionCollection, tokenHash, &record); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return "", ErrSessionNotFound
		}
		return "", fmt.Errorf("lookup refresh session: %w", err)
	}
	if time.Now().After(record.ExpiresAt) {
		// Expired sessions are lazily cleaned up on lookup.
		_ = s.store.Delete(ctx, sessionCollection, tokenHash)
		return "", ErrSessionNotFound
	}
	return record.Email, nil
}

func (s *DocStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.store.Delete(ctx, sessionCollection, tokenHash); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}
