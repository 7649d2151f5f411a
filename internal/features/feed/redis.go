package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisMirror публикует снимки лент в Redis как sorted set.
// Снимок пишется во временный ключ и переименовывается,
// чтобы читатели Redis тоже видели ленту целиком.
type RedisMirror struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisMirror создаёт зеркало. Ключи: <prefix><feed> и <prefix><feed>:meta.
func NewRedisMirror(rdb *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "feed:"
	}
	return &RedisMirror{rdb: rdb, prefix: prefix}
}

// Key возвращает ключ ленты.
func (r *RedisMirror) Key(kind Kind) string {
	return r.prefix + string(kind)
}

// Publish заменяет ленту в Redis.
func (r *RedisMirror) Publish(ctx context.Context, snap *Snapshot) error {
	key := r.Key(snap.Kind)
	tmp := key + ":tmp:" + uuid.NewString()

	members := make([]redis.Z, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		members = append(members, redis.Z{Score: e.Score, Member: e.PostID.String()})
	}

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(members) == 0 {
			pipe.Del(ctx, key)
		} else {
			pipe.ZAdd(ctx, tmp, members...)
			pipe.Rename(ctx, tmp, key)
		}
		pipe.HSet(ctx, key+":meta",
			"computed_at", snap.ComputedAt.Format(time.RFC3339Nano),
			"profile", snap.ProfileName,
			"profile_version", snap.ProfileVersion,
			"size", len(snap.Entries),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis лента %s: %w", snap.Kind, err)
	}
	return nil
}
