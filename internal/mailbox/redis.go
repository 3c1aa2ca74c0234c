package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sweeney/call-bridge/internal/calls"
)

// DefaultRedisKey is the key holding the pending action record.
const DefaultRedisKey = "callbridge:pending_action"

// RedisOptions configures the Redis mailbox.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
	// TTL bounds how long an undelivered action is kept. Zero keeps it
	// until it is taken.
	TTL time.Duration
}

// Redis is a Mailbox stored under a single Redis key.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(opts RedisOptions) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to Redis at %s: %w", opts.Addr, err)
	}

	log.Printf("MAILBOX: connected to Redis at %s", opts.Addr)

	key := opts.Key
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: rdb, key: key, ttl: opts.TTL}, nil
}

func (r *Redis) Store(ctx context.Context, p calls.PendingAction) error {
	if p.Empty() {
		return fmt.Errorf("storing pending action: empty record")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling pending action: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("storing pending action: %w", err)
	}
	return nil
}

// Take uses GETDEL so read and clear are a single server-side step.
func (r *Redis) Take(ctx context.Context) (calls.PendingAction, bool, error) {
	data, err := r.client.GetDel(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return calls.PendingAction{}, false, nil
	}
	if err != nil {
		return calls.PendingAction{}, false, fmt.Errorf("taking pending action: %w", err)
	}
	var p calls.PendingAction
	if err := json.Unmarshal(data, &p); err != nil {
		// The record is already gone; a corrupt value must not wedge the slot.
		log.Printf("MAILBOX: discarding unreadable pending action: %v", err)
		return calls.PendingAction{}, false, nil
	}
	return p, !p.Empty(), nil
}

func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("clearing pending action: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
