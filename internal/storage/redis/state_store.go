// Package redis persists site state in Redis lists: one list of JSON reports
// and one list of JSON chat turns per site key.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/site-insights/internal/site"
)

const defaultPrefix = "siteinsights"

// Config configures the Redis connection and key namespace.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// client is the subset of redis.Cmdable the store needs.
type client interface {
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// StateStore appends with RPUSH and loads with LRANGE 0 -1, so list order is
// history order.
type StateStore struct {
	client client
	prefix string
}

// New dials Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*StateStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("state.redis_addr is required")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(rdb, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(c client, prefix string) *StateStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &StateStore{client: c, prefix: prefix}
}

func (s *StateStore) reportsKey(key string) string { return s.prefix + ":" + key + ":reports" }
func (s *StateStore) turnsKey(key string) string   { return s.prefix + ":" + key + ":turns" }

// Load decodes both lists for key.
func (s *StateStore) Load(ctx context.Context, key string) (site.State, error) {
	var st site.State
	rawReports, err := s.client.LRange(ctx, s.reportsKey(key), 0, -1).Result()
	if err != nil {
		return st, fmt.Errorf("load reports: %w", err)
	}
	for _, raw := range rawReports {
		var report site.AnalysisReport
		if err := json.Unmarshal([]byte(raw), &report); err != nil {
			return st, fmt.Errorf("decode report: %w", err)
		}
		st.Reports = append(st.Reports, report)
	}
	rawTurns, err := s.client.LRange(ctx, s.turnsKey(key), 0, -1).Result()
	if err != nil {
		return st, fmt.Errorf("load chat turns: %w", err)
	}
	for _, raw := range rawTurns {
		var turn site.ChatTurn
		if err := json.Unmarshal([]byte(raw), &turn); err != nil {
			return st, fmt.Errorf("decode chat turn: %w", err)
		}
		st.Turns = append(st.Turns, turn)
	}
	return st, nil
}

// AppendReport pushes the encoded report onto the key's report list.
func (s *StateStore) AppendReport(ctx context.Context, key string, report site.AnalysisReport) error {
	return s.push(ctx, s.reportsKey(key), report)
}

// AppendTurn pushes the encoded turn onto the key's transcript list.
func (s *StateStore) AppendTurn(ctx context.Context, key string, turn site.ChatTurn) error {
	return s.push(ctx, s.turnsKey(key), turn)
}

func (s *StateStore) push(ctx context.Context, listKey string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", listKey, err)
	}
	if err := s.client.RPush(ctx, listKey, string(payload)).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", listKey, err)
	}
	return nil
}

// Ping checks connectivity.
func (s *StateStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *StateStore) Close() error {
	return s.client.Close()
}
