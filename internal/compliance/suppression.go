package compliance

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

const suppressionKey = "dialer:suppressed_numbers"

// RedisSuppressionList keeps suppressed E.164 numbers in a Redis set shared by
// every dialer process.
type RedisSuppressionList struct {
	rdb redis.Cmdable
}

func NewRedisSuppressionList(rdb redis.Cmdable) *RedisSuppressionList {
	return &RedisSuppressionList{rdb: rdb}
}

func (l *RedisSuppressionList) Suppressed(ctx context.Context, phone string) (bool, error) {
	if l.rdb == nil {
		return false, errors.New("compliance: suppression list not configured")
	}
	return l.rdb.SIsMember(ctx, suppressionKey, normalize(phone)).Result()
}

func (l *RedisSuppressionList) Add(ctx context.Context, phones ...string) error {
	if len(phones) == 0 {
		return nil
	}
	members := make([]any, 0, len(phones))
	for _, p := range phones {
		members = append(members, normalize(p))
	}
	return l.rdb.SAdd(ctx, suppressionKey, members...).Err()
}

func (l *RedisSuppressionList) Remove(ctx context.Context, phone string) error {
	return l.rdb.SRem(ctx, suppressionKey, normalize(phone)).Err()
}

func normalize(phone string) string {
	return strings.TrimSpace(phone)
}
