package notifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cardmarket-tracker/utils"
)

const dedupKeyPrefix = "cardmarket:notified:"

// claimer is the subset of *redis.Client used for de-duplication.
type claimer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Deduplicating suppresses a message identical to one already delivered
// within ttl. Redis errors fail open: the message is sent.
type Deduplicating struct {
	next   Notifier
	store  claimer
	ttl    time.Duration
	logger *utils.Logger
}

// NewDeduplicating wraps next.
func NewDeduplicating(next Notifier, store claimer, ttl time.Duration, logger *utils.Logger) *Deduplicating {
	return &Deduplicating{next: next, store: store, ttl: ttl, logger: logger}
}

// NewRedisClient connects to redis and checks the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return client, nil
}

func (d *Deduplicating) Notify(ctx context.Context, msg Message) bool {
	key := dedupKey(msg)

	claimed, err := d.store.SetNX(ctx, key, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		d.logger.Warn("[notifier] dedup unavailable, sending anyway: %v", err)
		return d.next.Notify(ctx, msg)
	}
	if !claimed {
		d.logger.Info("[notifier] identical message already delivered, skipping")
		return true
	}

	if d.next.Notify(ctx, msg) {
		return true
	}
	// Release the claim so a later run can retry delivery.
	if err := d.store.Del(ctx, key).Err(); err != nil {
		d.logger.Warn("[notifier] release dedup key: %v", err)
	}
	return false
}

func dedupKey(msg Message) string {
	sum := sha256.Sum256([]byte(msg.Destination + "\x00" + msg.Text))
	return dedupKeyPrefix + hex.EncodeToString(sum[:])
}
