package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "session:"
	userSessionsKey  = "user_sessions:"
	sessionTTL       = 24 * time.Hour
)

// Store manages sessions in Redis. session:<id> holds the user ID and
// user_sessions:<userID> indexes the user's session IDs so they can be
// revoked together. Reads slide the expiry forward, so a client that keeps
// a live connection open stays signed in.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = sessionTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

// TTL is the lifetime of an idle session, also used as the cookie max-age.
func (s *Store) TTL() time.Duration { return s.ttl }

// Create stores a new session for userID and returns its ID.
func (s *Store) Create(ctx context.Context, userID int64) (string, error) {
	id, err := newSessionID()
	if err != nil {
		return "", err
	}
	index := userSessionsKey + strconv.FormatInt(userID, 10)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, sessionKeyPrefix+id, strconv.FormatInt(userID, 10), s.ttl)
		p.SAdd(ctx, index, id)
		p.Expire(ctx, index, s.ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// GetUserID returns the user of a live session and extends its lifetime.
func (s *Store) GetUserID(ctx context.Context, id string) (int64, bool) {
	v, err := s.rdb.GetEx(ctx, sessionKeyPrefix+id, s.ttl).Result()
	if err != nil {
		return 0, false
	}
	userID, err := strconv.ParseInt(v, 10, 64)
	if err != nil || userID <= 0 {
		return 0, false
	}
	s.rdb.Expire(ctx, userSessionsKey+v, s.ttl)
	return userID, true
}

// Delete ends one session.
func (s *Store) Delete(ctx context.Context, id string) error {
	v, err := s.rdb.Get(ctx, sessionKeyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, sessionKeyPrefix+id)
		p.SRem(ctx, userSessionsKey+v, id)
		return nil
	})
	return err
}

// RevokeOthers ends every session of userID except keep and returns how
// many were removed.
func (s *Store) RevokeOthers(ctx context.Context, userID int64, keep string) (int, error) {
	index := userSessionsKey + strconv.FormatInt(userID, 10)
	ids, err := s.rdb.SMembers(ctx, index).Result()
	if err != nil {
		return 0, err
	}
	var drop []string
	for _, id := range ids {
		if id != keep {
			drop = append(drop, id)
		}
	}
	if len(drop) == 0 {
		return 0, nil
	}
	keys := make([]string, len(drop))
	members := make([]any, len(drop))
	for i, id := range drop {
		keys[i] = sessionKeyPrefix + id
		members[i] = id
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		p.SRem(ctx, index, members...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(drop), nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, sessionKeyPrefix+id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func newSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}
