// Package database 负责创建外部存储的客户端连接。
package database

import (
	"context"
	"fmt"
	"time"

	"crs-sync-go/internal/config"
	"crs-sync-go/pkg/log"

	"github.com/go-redis/redis/v8"
)

// NewRedis 创建 Redis 客户端并测试连接。
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	log.Infow("Redis client connected successfully", "addr", cfg.Addr, "db", cfg.DB)
	return rdb, nil
}
