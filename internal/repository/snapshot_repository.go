// Package repository 提供了本地快照缓存的实现。
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crs-sync-go/internal/model"

	"github.com/go-redis/redis/v8"
)

// MaxCachedMessages 是每个会话缓存的已确认消息条数上限。
const MaxCachedMessages = 200

// DefaultTTL 是快照的默认过期时间。
const DefaultTTL = 7 * 24 * time.Hour

// SnapshotRepository 缓存会话的聊天记录和最近一份 CRS 文档，用于历史接口不可用时的冷启动。
type SnapshotRepository interface {
	SaveMessages(ctx context.Context, sessionID int64, messages []model.ChatMessage) error
	LoadMessages(ctx context.Context, sessionID int64) ([]model.ChatMessage, error)
	SaveDocument(ctx context.Context, sessionID int64, doc *model.CRSDocument) error
	LoadDocument(ctx context.Context, sessionID int64) (*model.CRSDocument, error)
}

type redisSnapshotRepository struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewSnapshotRepository 创建一个新的 SnapshotRepository 实例。ttl 为 0 时使用默认值。
func NewSnapshotRepository(redisClient *redis.Client, ttl time.Duration) SnapshotRepository {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &redisSnapshotRepository{redisClient: redisClient, ttl: ttl}
}

func messagesKey(sessionID int64) string {
	return fmt.Sprintf("crs-sync:session:%d:messages", sessionID)
}

func documentKey(sessionID int64) string {
	return fmt.Sprintf("crs-sync:session:%d:document", sessionID)
}

// SaveMessages 只保留已确认的消息，最多 MaxCachedMessages 条。
func (r *redisSnapshotRepository) SaveMessages(ctx context.Context, sessionID int64, messages []model.ChatMessage) error {
	confirmed := make([]model.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Delivery == model.DeliveryConfirmed {
			confirmed = append(confirmed, m)
		}
	}
	if len(confirmed) > MaxCachedMessages {
		confirmed = confirmed[len(confirmed)-MaxCachedMessages:]
	}
	jsonData, err := json.Marshal(confirmed)
	if err != nil {
		return fmt.Errorf("failed to marshal chat messages: %w", err)
	}
	if err := r.redisClient.Set(ctx, messagesKey(sessionID), jsonData, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set chat messages: %w", err)
	}
	return nil
}

// LoadMessages 读取缓存的消息，没有缓存时返回空切片。
func (r *redisSnapshotRepository) LoadMessages(ctx context.Context, sessionID int64) ([]model.ChatMessage, error) {
	jsonData, err := r.redisClient.Get(ctx, messagesKey(sessionID)).Bytes()
	if err == redis.Nil {
		return []model.ChatMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat messages: %w", err)
	}
	var messages []model.ChatMessage
	if err := json.Unmarshal(jsonData, &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chat messages: %w", err)
	}
	return messages, nil
}

func (r *redisSnapshotRepository) SaveDocument(ctx context.Context, sessionID int64, doc *model.CRSDocument) error {
	if doc == nil {
		return nil
	}
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal CRS document: %w", err)
	}
	if err := r.redisClient.Set(ctx, documentKey(sessionID), jsonData, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set CRS document: %w", err)
	}
	return nil
}

// LoadDocument 读取缓存的文档，没有缓存时返回 nil。
func (r *redisSnapshotRepository) LoadDocument(ctx context.Context, sessionID int64) (*model.CRSDocument, error) {
	jsonData, err := r.redisClient.Get(ctx, documentKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get CRS document: %w", err)
	}
	var doc model.CRSDocument
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal CRS document: %w", err)
	}
	return &doc, nil
}
