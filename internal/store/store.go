// Package store persists bot state in Redis.
//
// Keys (all prefixed saxotrader:):
//
//	refresh_token    the rotating OAuth refresh credential
//	position:{uic}   JSON {uic, entry_price, quantity, peak_price}
//	active_universe  JSON {watched, owned, timestamp}
//
// The store is the authoritative home for the refresh token and open
// positions; the active-universe mirror exists for external observability.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"saxotrader/pkg/types"
)

const keyPrefix = "saxotrader:"

// Store is a thin typed layer over a Redis client. The client is
// thread-safe; no additional locking is needed.
type Store struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// Open connects to Redis at the given URL and verifies the connection.
func Open(ctx context.Context, url string, logger *slog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Store{rdb: rdb, logger: logger.With("component", "store")}, nil
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// RefreshToken returns the stored refresh credential, or "" when unset.
func (s *Store) RefreshToken(ctx context.Context) (string, error) {
	val, err := s.rdb.Get(ctx, keyPrefix+"refresh_token").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get refresh token: %w", err)
	}
	return val, nil
}

// SaveRefreshToken stores the rotated refresh credential.
func (s *Store) SaveRefreshToken(ctx context.Context, token string) error {
	if err := s.rdb.Set(ctx, keyPrefix+"refresh_token", token, 0).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

func positionKey(uic int) string {
	return keyPrefix + "position:" + strconv.Itoa(uic)
}

// SavePosition persists one position under position:{uic}.
func (s *Store) SavePosition(ctx context.Context, pos types.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	if err := s.rdb.Set(ctx, positionKey(pos.Uic), data, 0).Err(); err != nil {
		return fmt.Errorf("save position %d: %w", pos.Uic, err)
	}
	return nil
}

// DeletePosition removes a closed position.
func (s *Store) DeletePosition(ctx context.Context, uic int) error {
	if err := s.rdb.Del(ctx, positionKey(uic)).Err(); err != nil {
		return fmt.Errorf("delete position %d: %w", uic, err)
	}
	return nil
}

// ListPositions scans all persisted positions. Entries that no longer
// parse are logged and skipped rather than blocking startup.
func (s *Store) ListPositions(ctx context.Context) ([]types.Position, error) {
	var out []types.Position

	iter := s.rdb.Scan(ctx, 0, keyPrefix+"position:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}

		var pos types.Position
		if err := json.Unmarshal(data, &pos); err != nil {
			s.logger.Error("skipping unparseable position", "key", key, "error", err)
			continue
		}
		out = append(out, pos)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan positions: %w", err)
	}
	return out, nil
}

// PublishUniverse mirrors the active-universe view for external observers.
func (s *Store) PublishUniverse(ctx context.Context, u types.ActiveUniverse) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal universe: %w", err)
	}
	if err := s.rdb.Set(ctx, keyPrefix+"active_universe", data, 0).Err(); err != nil {
		return fmt.Errorf("publish universe: %w", err)
	}
	return nil
}
