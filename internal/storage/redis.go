package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"herald/internal/schedule"
	logx "herald/pkg/logx"
)

const (
	redisTaskKeyPrefix = "herald:task:"
	redisIndexKey      = "herald:tasks"
)

// redisStore keeps one JSON value per task plus an ordered index list, so
// multiple herald instances can share a task set.
type redisStore struct {
	client *redis.Client
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (schedule.TaskStore, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	log.Info("redis store opened", logx.String("addr", addr), logx.Int("db", cfg.DB))
	return &redisStore{client: client, log: log}, nil
}

func (s *redisStore) GetAll(ctx context.Context) ([]schedule.Task, error) {
	ids, err := s.client.LRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, redisTaskKeyPrefix+id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]schedule.Task, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a value; a torn write from another
			// instance. Skip rather than refuse to start.
			s.log.Warn("task value missing for indexed id", logx.String("id", ids[i]))
			continue
		}
		var t schedule.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("corrupt task %s: %w", ids[i], err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *redisStore) ReplaceAll(ctx context.Context, tasks []schedule.Task) error {
	oldIDs, err := s.client.LRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	pipe := s.client.TxPipeline()
	for _, id := range oldIDs {
		pipe.Del(ctx, redisTaskKeyPrefix+id)
	}
	pipe.Del(ctx, redisIndexKey)
	for _, t := range tasks {
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		pipe.Set(ctx, redisTaskKeyPrefix+t.ID, string(b), 0)
		pipe.RPush(ctx, redisIndexKey, t.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
