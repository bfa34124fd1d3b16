// Package kafka 把 patch 应用指标发布到 Kafka。
package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"crs-sync-go/internal/config"
	"crs-sync-go/internal/model"
	"crs-sync-go/pkg/log"

	"github.com/segmentio/kafka-go"
)

// MessageWriter 是 kafka.Writer 中用到的部分，测试时可以替换。
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MetricsPublisher 以异步方式把指标写入 Kafka，写入失败只记录日志。
type MetricsPublisher struct {
	writer  MessageWriter
	timeout time.Duration
}

// NewMetricsPublisher 初始化 Kafka 生产者。
func NewMetricsPublisher(cfg config.KafkaConfig) *MetricsPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		Async:        true,
		BatchTimeout: 200 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warnw("failed to publish patch metrics", "count", len(messages), "error", err)
			}
		},
	}
	log.Infow("Kafka 生产者初始化成功", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return NewMetricsPublisherWithWriter(w)
}

// NewMetricsPublisherWithWriter 使用给定的 writer 创建发布器。
func NewMetricsPublisherWithWriter(w MessageWriter) *MetricsPublisher {
	return &MetricsPublisher{writer: w, timeout: 2 * time.Second}
}

// Publish 发送一条指标记录，按会话 ID 分区。
func (p *MetricsPublisher) Publish(m model.PatchMetrics) error {
	value, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(m.SessionID, 10)),
		Value: value,
	})
}

// Close 刷新未发送的消息并关闭生产者。
func (p *MetricsPublisher) Close() error {
	return p.writer.Close()
}
