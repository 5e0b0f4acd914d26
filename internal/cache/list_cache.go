package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	dom "listshare/internal/domain"

	"github.com/redis/go-redis/v9"
)

const keyUserLists = "lists:user:"

// ListCache caches each user's visible lists in Redis.
type ListCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewListCache returns a new ListCache.
func NewListCache(rdb *redis.Client, ttl time.Duration) *ListCache {
	return &ListCache{rdb: rdb, ttl: ttl}
}

// GetLists returns the cached lists for userID, or nil on a miss.
func (c *ListCache) GetLists(ctx context.Context, userID int64) ([]dom.List, error) {
	b, err := c.rdb.Get(ctx, userKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lists []dom.List
	if err := json.Unmarshal(b, &lists); err != nil {
		return nil, err
	}
	if lists == nil {
		lists = []dom.List{}
	}
	return lists, nil
}

// SetLists stores the lists visible to userID.
func (c *ListCache) SetLists(ctx context.Context, userID int64, lists []dom.List) error {
	if lists == nil {
		lists = []dom.List{}
	}
	b, err := json.Marshal(lists)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, userKey(userID), b, c.ttl).Err()
}

// Invalidate drops the cached lists of every given user (cache invalidation on write).
func (c *ListCache) Invalidate(ctx context.Context, userIDs ...int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = userKey(id)
	}
	return c.rdb.Del(ctx, keys...).Err()
}

func userKey(userID int64) string {
	return keyUserLists + strconv.FormatInt(userID, 10)
}
