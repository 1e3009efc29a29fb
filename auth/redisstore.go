package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenJSON is AccessToken's wire form for Redis -- issued is carried
// explicitly since the unexported field does not survive encoding/json
// on its own and Redis keys rely on their own TTL rather than a
// recomputed age.
type tokenJSON struct {
	PrimaryID int64         `json:"primary_id"`
	MemberOf  []int64       `json:"member_of"`
	AccessTo  []AccessGrant `json:"access_to"`
	Issued    time.Time     `json:"issued"`
}

// RedisStore is a Redis-backed TokenStore, letting the access-token
// cache invalidation contract (spec §4.2) hold across every
// mailserverd process sharing one Redis instance rather than only
// within a single process's memory.
type RedisStore struct {
	Client *redis.Client
	Prefix string // key prefix, defaults to "mailserver:accesstoken:"
}

// NewRedisStore wraps an already-configured *redis.Client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client, Prefix: "mailserver:accesstoken:"}
}

func (s *RedisStore) key(uid int64) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "mailserver:accesstoken:"
	}
	return prefix + itoa64(uid)
}

func itoa64(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *RedisStore) Get(ctx context.Context, uid int64) (*AccessToken, bool, error) {
	val, err := s.Client.Get(ctx, s.key(uid)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var j tokenJSON
	if err := json.Unmarshal([]byte(val), &j); err != nil {
		return nil, false, err
	}
	return &AccessToken{PrimaryID: j.PrimaryID, MemberOf: j.MemberOf, AccessTo: j.AccessTo, issued: j.Issued}, true, nil
}

func (s *RedisStore) Set(ctx context.Context, uid int64, tok *AccessToken, ttl time.Duration) error {
	j := tokenJSON{PrimaryID: tok.PrimaryID, MemberOf: tok.MemberOf, AccessTo: tok.AccessTo, Issued: tok.issued}
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, s.key(uid), b, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, uid int64) error {
	return s.Client.Del(ctx, s.key(uid)).Err()
}

// Clear drops every cached access token under this store's prefix. Used
// by ACL changes broad enough that enumerating affected principals isn't
// worth it (spec §4.2's bulk-invalidation path).
func (s *RedisStore) Clear(ctx context.Context) error {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "mailserver:accesstoken:"
	}
	iter := s.Client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.Client.Del(ctx, keys...).Err()
}
