// Package diagnostics 保存 patch 应用指标，供调试端点和日志查看。
package diagnostics

import (
	"sync"

	"crs-sync-go/internal/model"
	"crs-sync-go/pkg/log"
)

// DefaultCapacity 是内存中保留的指标条数。
const DefaultCapacity = 500

// Publisher 把指标转发到外部系统（例如 Kafka）。
type Publisher interface {
	Publish(m model.PatchMetrics) error
}

// Summary 是指标的汇总。
type Summary struct {
	Total                   int     `json:"total"`
	Succeeded               int     `json:"succeeded"`
	Failed                  int     `json:"failed"`
	FallbackToFull          int     `json:"fallback_to_full"`
	AvgDurationMs           float64 `json:"avg_duration_ms"`
	AvgSizeReductionPercent float64 `json:"avg_size_reduction_percent"`
}

// MetricsLog 是有界的环形缓冲，满了以后覆盖最旧的记录。
type MetricsLog struct {
	publisher Publisher

	mu      sync.Mutex
	records []model.PatchMetrics
	next    int
	full    bool
}

// NewMetricsLog 创建指标日志。capacity <= 0 时使用 DefaultCapacity；publisher 可以为 nil。
func NewMetricsLog(capacity int, publisher Publisher) *MetricsLog {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MetricsLog{
		publisher: publisher,
		records:   make([]model.PatchMetrics, capacity),
	}
}

// Append 记录一条指标。
func (l *MetricsLog) Append(m model.PatchMetrics) {
	l.mu.Lock()
	l.records[l.next] = m
	l.next = (l.next + 1) % len(l.records)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	log.Debugw("patch metrics",
		"sessionID", m.SessionID,
		"ops", m.OperationCount,
		"success", m.Success,
		"fallbackToFull", m.FallbackToFull,
		"durationMs", m.DurationMs,
		"sizeReductionPercent", m.SizeReductionPercent,
	)
	if l.publisher != nil {
		if err := l.publisher.Publish(m); err != nil {
			log.Warnw("failed to publish patch metrics", "sessionID", m.SessionID, "error", err)
		}
	}
}

// Records 按时间顺序返回当前保留的记录。
func (l *MetricsLog) Records() []model.PatchMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]model.PatchMetrics(nil), l.records[:l.next]...)
	}
	out := make([]model.PatchMetrics, 0, len(l.records))
	out = append(out, l.records[l.next:]...)
	return append(out, l.records[:l.next]...)
}

// Summary 汇总当前保留的记录。
func (l *MetricsLog) Summary() Summary {
	records := l.Records()
	s := Summary{Total: len(records)}
	if s.Total == 0 {
		return s
	}
	var duration, reduction float64
	for _, r := range records {
		if r.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
		if r.FallbackToFull {
			s.FallbackToFull++
		}
		duration += r.DurationMs
		reduction += r.SizeReductionPercent
	}
	s.AvgDurationMs = duration / float64(s.Total)
	s.AvgSizeReductionPercent = reduction / float64(s.Total)
	return s
}
