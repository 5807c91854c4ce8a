package directory

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores subjects on the station's local redis so the
// directory survives restarts. One JSON value per subject plus a set
// of ids per group.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "scangate:directory"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) subjectKey(id string) string    { return c.prefix + ":subject:" + id }
func (c *RedisCache) groupKey(groupID string) string { return c.prefix + ":group:" + groupID }
func (c *RedisCache) idsKey() string                 { return c.prefix + ":ids" }

func (c *RedisCache) Get(ctx context.Context, id string) (*Subject, error) {
	raw, err := c.client.Get(ctx, c.subjectKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSubjectUnknown
		}
		return nil, err
	}
	var s Subject
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *RedisCache) Put(ctx context.Context, s Subject) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.subjectKey(s.ID), raw, 0).Err(); err != nil {
		return err
	}
	if err := c.client.SAdd(ctx, c.idsKey(), s.ID).Err(); err != nil {
		return err
	}
	if s.GroupID != "" {
		return c.client.SAdd(ctx, c.groupKey(s.GroupID), s.ID).Err()
	}
	return nil
}

func (c *RedisCache) PutAll(ctx context.Context, subjects []Subject) error {
	for _, s := range subjects {
		if err := c.Put(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (c *RedisCache) ByGroup(ctx context.Context, groupID string) ([]Subject, error) {
	ids, err := c.client.SMembers(ctx, c.groupKey(groupID)).Result()
	if err != nil {
		return nil, err
	}
	var out []Subject
	for _, id := range ids {
		s, err := c.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSubjectUnknown) {
				continue
			}
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

func (c *RedisCache) Len(ctx context.Context) (int, error) {
	n, err := c.client.SCard(ctx, c.idsKey()).Result()
	return int(n), err
}
