// Package redis is a registrations.Store backed by Redis. Each session's
// ledger is one hash keyed by registration id, so a session's registrations
// can be listed or cleared from outside the server process.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/lsp-server-go/registrations"
)

// Config for the Redis store. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: LSPD_REDIS_ADDR
	Addr string `env:"LSPD_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: LSPD_REDIS_PREFIX
	KeyPrefix string `env:"LSPD_REDIS_PREFIX,default=lspd:registrations:"`
	// TTL bounds how long an idle session's ledger survives a crashed server.
	// Zero keeps ledgers until cleared. ENV: LSPD_REDIS_TTL
	TTL time.Duration `env:"LSPD_REDIS_TTL,default=24h"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "lspd:registrations:"
	}
	return &Store{client: cl, keyPrefix: prefix, ttl: cfg.TTL}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(ctx, cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) ledgerKey(sessionID string) string { return s.keyPrefix + "ledger:" + sessionID }

var putScript = redis.NewScript(`
local ledger = KEYS[1]
local id = ARGV[1]
local payload = ARGV[2]
local ttl = tonumber(ARGV[3])
if redis.call('HSETNX', ledger, id, payload) == 0 then
  return 0
end
if ttl > 0 then
  redis.call('EXPIRE', ledger, ttl)
end
return 1
`)

func (s *Store) Put(ctx context.Context, sessionID string, e registrations.Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	ok, err := putScript.Run(ctx, s.client, []string{s.ledgerKey(sessionID)}, e.ID, payload, int64(s.ttl/time.Second)).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", registrations.ErrExists, e.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, sessionID, id string) (registrations.Entry, error) {
	payload, err := s.client.HGet(ctx, s.ledgerKey(sessionID), id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return registrations.Entry{}, fmt.Errorf("%w: %s", registrations.ErrNotFound, id)
		}
		return registrations.Entry{}, err
	}
	var e registrations.Entry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return registrations.Entry{}, fmt.Errorf("decode entry %s: %w", id, err)
	}
	return e, nil
}

var deleteScript = redis.NewScript(`
local ledger = KEYS[1]
local id = ARGV[1]
local payload = redis.call('HGET', ledger, id)
if not payload then
  return false
end
redis.call('HDEL', ledger, id)
return payload
`)

func (s *Store) Delete(ctx context.Context, sessionID, id string) (registrations.Entry, error) {
	payload, err := deleteScript.Run(ctx, s.client, []string{s.ledgerKey(sessionID)}, id).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return registrations.Entry{}, fmt.Errorf("%w: %s", registrations.ErrNotFound, id)
		}
		return registrations.Entry{}, err
	}
	var e registrations.Entry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return registrations.Entry{}, fmt.Errorf("decode entry %s: %w", id, err)
	}
	return e, nil
}

func (s *Store) List(ctx context.Context, sessionID string) ([]registrations.Entry, error) {
	res, err := s.client.HGetAll(ctx, s.ledgerKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]registrations.Entry, 0, len(res))
	for id, payload := range res {
		var e registrations.Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", id, err)
		}
		out = append(out, e)
	}
	registrations.Sort(out)
	return out, nil
}

func (s *Store) Clear(ctx context.Context, sessionID string) error {
	return s.client.Del(context.WithoutCancel(ctx), s.ledgerKey(sessionID)).Err()
}

var _ registrations.Store = (*Store)(nil)
