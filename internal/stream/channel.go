// Package stream 维护一个会话的 CRS 生成事件流（Server-Sent Events），
// 断线后按指数退避自动重连。
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"crs-sync-go/internal/model"
	"crs-sync-go/pkg/log"

	"github.com/google/uuid"
)

// ConnectionLostMessage 是重试次数耗尽后展示给用户的错误。
const ConnectionLostMessage = "connection lost, please refresh"

// DefaultPath 是事件流端点路径模板。
const DefaultPath = "/api/crs/sessions/{session_id}/stream"

var errStreamEnded = errors.New("event stream ended")

// State 是事件流连接的状态。
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
	StateClosed     State = "closed"
)

// Progress 是一次生成进度。
type Progress struct {
	Percent int    `json:"percent"`
	Step    string `json:"step,omitempty"`
}

// Callbacks 在读取事件流的 goroutine 中按到达顺序依次调用。
type Callbacks struct {
	OnProgress    func(Progress)
	OnComplete    func(doc *model.CRSDocument)
	OnError       func(message string)
	OnUpdate      func(update model.DocumentUpdate)
	OnRetry       func(attempt int, message string)
	OnStateChange func(State)
}

// Options 描述一个事件流连接。SessionID 为 0、Enabled 为 false 或 Token 为空时保持 idle。
type Options struct {
	Origin     string
	Path       string
	SessionID  int64
	Token      string
	Enabled    bool
	Backoff    Backoff
	HTTPClient *http.Client
}

// Status 是事件流状态的快照。
type Status struct {
	State        State  `json:"state"`
	Percent      int    `json:"percent"`
	Step         string `json:"step,omitempty"`
	RetryAttempt int    `json:"retry_attempt"`
	RetryMessage string `json:"retry_message,omitempty"`
	Error        string `json:"error,omitempty"`
	Exhausted    bool   `json:"exhausted"`
}

// Channel 是单个会话的事件流客户端，不跨会话复用。
type Channel struct {
	opts      Options
	cb        Callbacks
	client    *http.Client
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu      sync.Mutex
	status  Status
	retries int
	epoch   uint64
	cancel  context.CancelFunc
	timer   *time.Timer
	closed  bool
}

// NewChannel 创建事件流客户端，不会立即连接。
func NewChannel(opts Options, cb Callbacks) *Channel {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	client := opts.HTTPClient
	if client == nil {
		// 长连接，不设置整体超时
		client = &http.Client{}
	}
	return &Channel{
		opts:      opts,
		cb:        cb,
		client:    client,
		afterFunc: time.AfterFunc,
		status:    Status{State: StateIdle},
	}
}

// Connect 打开事件流。前置条件缺失时保持 idle；已在连接中时什么也不做。
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.ready() {
		c.mu.Unlock()
		log.Debugw("event stream not ready, staying idle",
			"sessionID", c.opts.SessionID, "enabled", c.opts.Enabled, "hasToken", c.opts.Token != "")
		return
	}
	if c.status.State == StateConnecting || c.status.State == StateConnected {
		c.mu.Unlock()
		return
	}
	ctx, epoch := c.beginLocked()
	c.mu.Unlock()

	c.notifyState()
	go c.run(ctx, epoch)
}

// Reconnect 手动重连：清零重试计数，无论是否已经耗尽重试次数。
func (c *Channel) Reconnect() {
	c.mu.Lock()
	if c.closed || !c.ready() {
		c.mu.Unlock()
		return
	}
	c.retries = 0
	c.status.RetryAttempt = 0
	c.status.Exhausted = false
	c.status.Error = ""
	ctx, epoch := c.beginLocked()
	c.mu.Unlock()

	log.Infow("event stream manual reconnect", "sessionID", c.opts.SessionID)
	c.notifyState()
	go c.run(ctx, epoch)
}

// Close 释放连接并取消待执行的重连，可重复调用。
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.epoch++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.status.State = StateClosed
	c.mu.Unlock()

	log.Debugw("event stream closed", "sessionID", c.opts.SessionID)
	c.notifyState()
}

// Status 返回当前状态的拷贝。
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Channel) ready() bool {
	return c.opts.SessionID != 0 && c.opts.Enabled && c.opts.Token != ""
}

// beginLocked 作废上一个连接并开始新的一轮，调用方必须持有 mu。
func (c *Channel) beginLocked() (context.Context, uint64) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.epoch++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.status.State = StateConnecting
	return ctx, c.epoch
}

func (c *Channel) staleLocked(epoch uint64) bool {
	return c.closed || epoch != c.epoch
}

func (c *Channel) stale(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staleLocked(epoch)
}

func (c *Channel) notifyState() {
	if c.cb.OnStateChange == nil {
		return
	}
	// 总是上报当前状态，迟到的通知不会覆盖更新的状态
	c.cb.OnStateChange(c.Status().State)
}

func (c *Channel) endpoint() (string, error) {
	path := strings.ReplaceAll(c.opts.Path, "{session_id}", strconv.FormatInt(c.opts.SessionID, 10))
	u, err := url.Parse(strings.TrimRight(c.opts.Origin, "/") + path)
	if err != nil {
		return "", fmt.Errorf("invalid stream endpoint: %w", err)
	}
	// EventSource 无法设置请求头，凭证放在查询参数里
	q := u.Query()
	q.Set("token", c.opts.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Channel) run(ctx context.Context, epoch uint64) {
	connID := uuid.NewString()
	err := c.consume(ctx, epoch, connID)
	if c.stale(epoch) {
		return
	}
	c.handleTransportError(epoch, connID, err)
}

func (c *Channel) consume(ctx context.Context, epoch uint64, connID string) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("event stream returned non-200 status: %s, body: %s", resp.Status, string(body))
	}

	c.mu.Lock()
	if c.staleLocked(epoch) {
		c.mu.Unlock()
		return nil
	}
	c.retries = 0
	c.status.State = StateConnected
	c.mu.Unlock()
	log.Infow("event stream connected", "sessionID", c.opts.SessionID, "connID", connID)
	c.notifyState()

	reader := NewFrameReader(resp.Body)
	for {
		frame, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errStreamEnded
			}
			return fmt.Errorf("failed to read from event stream: %w", err)
		}
		if c.stale(epoch) {
			return nil
		}
		c.handleFrame(frame, connID)
	}
}

func (c *Channel) handleTransportError(epoch uint64, connID string, cause error) {
	c.mu.Lock()
	if c.staleLocked(epoch) {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.status.State = StateError

	if c.retries < c.opts.Backoff.MaxRetries {
		c.retries++
		attempt := c.retries
		delay := c.opts.Backoff.Delay(attempt)
		c.timer = c.afterFunc(delay, func() { c.retry(epoch) })
		c.mu.Unlock()

		log.Warnw("event stream error, scheduling reconnect",
			"sessionID", c.opts.SessionID, "connID", connID, "error", cause,
			"attempt", attempt, "delay", delay)
		c.notifyState()
		return
	}

	c.status.Exhausted = true
	c.status.Error = ConnectionLostMessage
	c.mu.Unlock()

	log.Errorw("event stream retries exhausted",
		"sessionID", c.opts.SessionID, "connID", connID, "error", cause,
		"maxRetries", c.opts.Backoff.MaxRetries)
	c.notifyState()
	if c.cb.OnError != nil {
		c.cb.OnError(ConnectionLostMessage)
	}
}

func (c *Channel) retry(epoch uint64) {
	c.mu.Lock()
	if c.staleLocked(epoch) {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	ctx, next := c.beginLocked()
	c.mu.Unlock()

	c.notifyState()
	go c.run(ctx, next)
}

func (c *Channel) handleFrame(frame Frame, connID string) {
	if len(frame.Data) == 0 {
		return
	}
	var ev model.StreamEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		log.Warnw("dropping malformed stream event", "connID", connID, "error", err, "data", string(frame.Data))
		return
	}
	// 部分服务端只在 SSE event 字段里写类型
	if ev.Type == "" && frame.Event != "" {
		ev.Type = model.StreamEventType(frame.Event)
	}
	c.handleEvent(ev)
}

func (c *Channel) handleEvent(ev model.StreamEvent) {
	switch ev.Type {
	case model.EventGenerationStarted:
		c.mu.Lock()
		c.status.Percent = 0
		c.status.Step = ev.Step
		c.status.RetryAttempt = 0
		c.status.RetryMessage = ""
		c.status.Error = ""
		p := Progress{Percent: 0, Step: ev.Step}
		c.mu.Unlock()
		c.emitProgress(p)

	case model.EventProgress:
		c.mu.Lock()
		if ev.Progress != nil {
			c.status.Percent = clampPercent(*ev.Progress)
		}
		if ev.Step != "" {
			c.status.Step = ev.Step
		}
		p := Progress{Percent: c.status.Percent, Step: c.status.Step}
		c.mu.Unlock()
		c.emitProgress(p)
		// 局部文档立即转发，不等待完成
		if update, ok := updateFromEvent(ev); ok {
			c.emitUpdate(update)
		}

	case model.EventComplete, model.EventCRSUpdated:
		c.mu.Lock()
		c.status.Percent = 100
		p := Progress{Percent: 100, Step: c.status.Step}
		c.mu.Unlock()
		if update, ok := updateFromEvent(ev); ok {
			c.emitUpdate(update)
		}
		if ev.IsComplete {
			if c.cb.OnComplete != nil {
				c.cb.OnComplete(ev.CRS)
			}
		} else {
			c.emitProgress(p)
		}

	case model.EventError:
		msg := ev.Message
		if msg == "" {
			msg = "CRS generation failed"
		}
		// 生成失败后不再读取这条连接，也不自动重连，等待手动 Reconnect
		c.mu.Lock()
		c.status.Error = msg
		c.status.State = StateError
		c.epoch++
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.mu.Unlock()
		log.Warnw("event stream reported generation error", "sessionID", c.opts.SessionID, "message", msg)
		c.notifyState()
		if c.cb.OnError != nil {
			c.cb.OnError(msg)
		}

	case model.EventRetry:
		// 只更新展示，重连由传输层错误驱动
		c.mu.Lock()
		c.status.RetryAttempt = ev.Attempt
		c.status.RetryMessage = ev.Message
		c.mu.Unlock()
		if c.cb.OnRetry != nil {
			c.cb.OnRetry(ev.Attempt, ev.Message)
		}

	case model.EventPartial:
		update, err := parsePartial(ev.Content)
		if err != nil {
			log.Debugw("ignoring unparseable partial CRS fragment", "error", err, "size", len(ev.Content))
			return
		}
		c.emitUpdate(update)

	default:
		log.Debugw("ignoring unknown stream event", "type", ev.Type)
	}
}

func (c *Channel) emitProgress(p Progress) {
	if c.cb.OnProgress != nil {
		c.cb.OnProgress(p)
	}
}

func (c *Channel) emitUpdate(u model.DocumentUpdate) {
	if c.cb.OnUpdate != nil {
		c.cb.OnUpdate(u)
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// updateFromEvent 从事件中提取文档更新：带 patch 或整篇内容时交给应用器，否则直接替换。
func updateFromEvent(ev model.StreamEvent) (model.DocumentUpdate, bool) {
	if len(ev.Patch) > 0 || ev.FullDocument != nil {
		return model.DocumentUpdate{
			Patch:        ev.Patch,
			FullDocument: ev.FullDocument,
			Metadata:     ev.CRS.Metadata(),
			Sizes:        ev.Metrics,
			Source:       ev.Type,
		}, true
	}
	if ev.CRS != nil {
		return model.DocumentUpdate{Document: ev.CRS, Source: ev.Type}, true
	}
	return model.DocumentUpdate{}, false
}

// parsePartial 独立解析原始片段：可能是完整的 CRS 文档，也可能只是模板内容。
func parsePartial(raw string) (model.DocumentUpdate, error) {
	if strings.TrimSpace(raw) == "" {
		return model.DocumentUpdate{}, errors.New("empty fragment")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return model.DocumentUpdate{}, fmt.Errorf("fragment is not a JSON object: %w", err)
	}
	if rawContent, ok := obj["content"]; ok && len(rawContent) > 0 && rawContent[0] == '"' {
		var doc model.CRSDocument
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return model.DocumentUpdate{}, fmt.Errorf("fragment is not a CRS document: %w", err)
		}
		return model.DocumentUpdate{Document: &doc, Source: model.EventPartial}, nil
	}
	content := raw
	return model.DocumentUpdate{FullDocument: &content, Source: model.EventPartial}, nil
}
