package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionData is the value stored per session token.
type SessionData struct {
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStore authorizes joins against sessions held in Redis. Tokens are
// stored hashed, keyed by document, with the session TTL enforced by Redis
// itself.
type SessionStore struct {
	client *redis.Client
	prefix string
}

// NewSessionStore connects to Redis and verifies it is reachable.
func NewSessionStore(redisURL string) (*SessionStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &SessionStore{client: client, prefix: "session:"}, nil
}

// NewSessionStoreWithClient wraps an existing Redis client.
func NewSessionStoreWithClient(client *redis.Client) *SessionStore {
	return &SessionStore{client: client, prefix: "session:"}
}

func (s *SessionStore) key(documentID, tokenHash string) string {
	return s.prefix + documentID + ":" + tokenHash
}

// SaveSession stores a session granting role on documentID until expiresAt.
func (s *SessionStore) SaveSession(ctx context.Context, documentID, token, userID, role string, expiresAt time.Time) error {
	data, err := json.Marshal(SessionData{
		UserID:    userID,
		Role:      role,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session already expired")
	}

	if err := s.client.Set(ctx, s.key(documentID, HashToken(token)), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// RevokeSession deletes a session.
func (s *SessionStore) RevokeSession(ctx context.Context, documentID, token string) error {
	if err := s.client.Del(ctx, s.key(documentID, HashToken(token))).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// Authorize implements Authorizer. A token that is absent, expired, or
// issued to a different user is unauthorized.
func (s *SessionStore) Authorize(ctx context.Context, documentID, userID, token string) (Permissions, error) {
	raw, err := s.client.Get(ctx, s.key(documentID, HashToken(token))).Result()
	if err == redis.Nil {
		return Permissions{}, ErrUnauthorized
	}
	if err != nil {
		return Permissions{}, fmt.Errorf("lookup session: %w", err)
	}

	var data SessionData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return Permissions{}, fmt.Errorf("unmarshal session: %w", err)
	}
	if data.UserID != userID {
		return Permissions{}, ErrUnauthorized
	}

	return RolePermissions(data.Role), nil
}

// Ping checks if Redis is reachable.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *SessionStore) Close() error {
	return s.client.Close()
}
