// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"crs-sync-go/internal/chat"
	"crs-sync-go/internal/model"
	"crs-sync-go/internal/patch"
	"crs-sync-go/internal/stream"
	"crs-sync-go/pkg/log"
)

var (
	ErrEmptyMessage   = errors.New("message content is empty")
	ErrUnknownMessage = errors.New("no failed message with that id")
	ErrNoSender       = errors.New("no chat transport attached")
)

// MessageSender 是聊天通道的发送端。
type MessageSender interface {
	Send(content string, sender model.SenderType) error
}

// SnapshotStore 缓存已确认的消息和最近一次应用成功的文档。
type SnapshotStore interface {
	SaveMessages(ctx context.Context, sessionID int64, messages []model.ChatMessage) error
	SaveDocument(ctx context.Context, sessionID int64, doc *model.CRSDocument) error
}

// MetricsRecorder 接收每次 patch 应用尝试的指标。
type MetricsRecorder interface {
	Append(m model.PatchMetrics)
}

// StreamView 是事件流在界面上的状态。
type StreamView struct {
	State        stream.State `json:"state"`
	Percent      int          `json:"percent"`
	Step         string       `json:"step,omitempty"`
	Generating   bool         `json:"generating"`
	RetryAttempt int          `json:"retry_attempt"`
	RetryMessage string       `json:"retry_message,omitempty"`
}

// View 是提供给界面渲染的一致快照。
type View struct {
	Session   model.ChatSession   `json:"session"`
	Messages  []model.ChatMessage `json:"messages"`
	Typing    bool                `json:"typing"`
	ChatState chat.ConnState      `json:"chat_state"`
	Stream    StreamView          `json:"stream"`
	Document  *model.CRSDocument  `json:"document,omitempty"`
	Banner    string              `json:"banner,omitempty"`
}

// Coordinator 把两个通道推送来的事件合并成一份状态。所有修改在同一把锁下串行执行，
// 每个回调执行完毕后才会处理下一个。
type Coordinator struct {
	session    model.ChatSession
	role       model.SenderType
	applicator *patch.Applicator
	metrics    MetricsRecorder
	store      SnapshotStore
	now        func() time.Time

	mu        sync.Mutex
	sender    MessageSender
	messages  []model.ChatMessage
	nextLocal int64
	typing    bool
	chatState chat.ConnState
	stream    StreamView
	document  *model.CRSDocument
	banner    string

	listenerMu sync.Mutex
	listeners  map[int]func(View)
	nextListen int
}

// NewCoordinator 创建协调器。metrics 和 store 可以为 nil。
func NewCoordinator(session model.ChatSession, role model.SenderType, applicator *patch.Applicator,
	metrics MetricsRecorder, store SnapshotStore) *Coordinator {
	if applicator == nil {
		applicator = patch.NewApplicator()
	}
	return &Coordinator{
		session:    session,
		role:       role,
		applicator: applicator,
		metrics:    metrics,
		store:      store,
		now:        time.Now,
		nextLocal:  -1,
		chatState:  chat.ConnIdle,
		stream:     StreamView{State: stream.StateIdle},
		listeners:  make(map[int]func(View)),
	}
}

// AttachSender 设置聊天发送端；传输层需要协调器的回调，所以在构造之后再注入。
func (c *Coordinator) AttachSender(sender MessageSender) {
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()
}

// Subscribe 注册状态变化监听，返回取消函数。监听在锁外调用。
func (c *Coordinator) Subscribe(fn func(View)) func() {
	c.listenerMu.Lock()
	id := c.nextListen
	c.nextListen++
	c.listeners[id] = fn
	c.listenerMu.Unlock()
	return func() {
		c.listenerMu.Lock()
		delete(c.listeners, id)
		c.listenerMu.Unlock()
	}
}

// View 返回当前状态的快照，消息按时间戳升序排列。
func (c *Coordinator) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Coordinator) viewLocked() View {
	msgs := make([]model.ChatMessage, len(c.messages))
	copy(msgs, c.messages)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return View{
		Session:   c.session,
		Messages:  msgs,
		Typing:    c.typing,
		ChatState: c.chatState,
		Stream:    c.stream,
		Document:  c.document.Clone(),
		Banner:    c.banner,
	}
}

func (c *Coordinator) notify() {
	c.listenerMu.Lock()
	fns := make([]func(View), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenerMu.Unlock()
	if len(fns) == 0 {
		return
	}
	v := c.View()
	for _, fn := range fns {
		fn(v)
	}
}

// Hydrate 用历史记录初始化状态。已有的条目不会被覆盖为更旧的内容。
func (c *Coordinator) Hydrate(messages []model.ChatMessage, doc *model.CRSDocument) {
	c.mu.Lock()
	for _, m := range messages {
		m.Delivery = model.DeliveryConfirmed
		c.reconcileLocked(m)
	}
	if doc != nil && c.document == nil {
		c.document = doc.Clone()
	}
	c.mu.Unlock()
	c.notify()
}

// HandleMessage 合并一条服务端确认的消息：
// 先按 id 原地替换，再匹配最早的同发送方同内容的待确认条目，否则追加。
func (c *Coordinator) HandleMessage(msg model.ChatMessage) {
	msg.Delivery = model.DeliveryConfirmed
	c.mu.Lock()
	c.reconcileLocked(msg)
	if msg.SenderType == model.SenderAI {
		c.typing = false
	}
	confirmed := c.confirmedLocked()
	c.mu.Unlock()

	c.persistMessages(confirmed)
	c.notify()
}

func (c *Coordinator) reconcileLocked(msg model.ChatMessage) {
	for i := range c.messages {
		if c.messages[i].ID == msg.ID {
			c.replaceLocked(i, msg)
			return
		}
	}

	oldest := -1
	for i, m := range c.messages {
		if !m.Pending() || m.SenderType != msg.SenderType || m.Content != msg.Content {
			continue
		}
		if oldest == -1 || m.Timestamp.Before(c.messages[oldest].Timestamp) {
			oldest = i
		}
	}
	if oldest >= 0 {
		c.replaceLocked(oldest, msg)
		return
	}

	// 没有时间戳的消息按到达时间排序
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now()
	}
	c.messages = append(c.messages, msg)
}

// replaceLocked 替换第 i 条消息；新消息没有时间戳时沿用原条目的，位置不变。
func (c *Coordinator) replaceLocked(i int, msg model.ChatMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.messages[i].Timestamp
	}
	c.messages[i] = msg
}

func (c *Coordinator) confirmedLocked() []model.ChatMessage {
	out := make([]model.ChatMessage, 0, len(c.messages))
	for _, m := range c.messages {
		if m.Delivery == model.DeliveryConfirmed {
			out = append(out, m)
		}
	}
	return out
}

// SendMessage 先插入待确认条目再发送。发送失败时该条目标记为 failed 并返回错误。
func (c *Coordinator) SendMessage(content string) (int64, error) {
	if content == "" {
		return 0, ErrEmptyMessage
	}
	c.mu.Lock()
	id := c.nextLocal
	c.nextLocal--
	c.messages = append(c.messages, model.ChatMessage{
		ID:         id,
		SessionID:  c.session.ID,
		SenderType: c.role,
		Content:    content,
		Timestamp:  c.now(),
		Delivery:   model.DeliveryPending,
	})
	c.typing = true
	sender := c.sender
	c.mu.Unlock()
	c.notify()

	return id, c.deliver(id, content, sender)
}

// RetryMessage 重新发送一条失败的消息。
func (c *Coordinator) RetryMessage(localID int64) error {
	c.mu.Lock()
	idx := c.indexLocked(localID)
	if idx < 0 || !c.messages[idx].Failed() {
		c.mu.Unlock()
		return ErrUnknownMessage
	}
	c.messages[idx].Delivery = model.DeliveryPending
	c.messages[idx].Timestamp = c.now()
	content := c.messages[idx].Content
	c.typing = true
	sender := c.sender
	c.mu.Unlock()
	c.notify()

	return c.deliver(localID, content, sender)
}

func (c *Coordinator) deliver(id int64, content string, sender MessageSender) error {
	var err error
	if sender == nil {
		err = ErrNoSender
	} else {
		err = sender.Send(content, c.role)
	}
	if err == nil {
		return nil
	}

	log.Warnw("chat message send failed", "sessionID", c.session.ID, "localID", id, "error", err)
	c.mu.Lock()
	if idx := c.indexLocked(id); idx >= 0 && c.messages[idx].Pending() {
		c.messages[idx].Delivery = model.DeliveryFailed
	}
	c.typing = false
	c.mu.Unlock()
	c.notify()
	return fmt.Errorf("send message: %w", err)
}

func (c *Coordinator) indexLocked(id int64) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// HandleDocumentUpdate 处理事件流推送的文档更新，后写覆盖。
// patch 或整篇内容经过应用器；应用失败时保留上一份文档。
func (c *Coordinator) HandleDocumentUpdate(u model.DocumentUpdate) {
	var (
		metrics *model.PatchMetrics
		changed bool
	)
	c.mu.Lock()
	switch {
	case u.NeedsApply():
		next, m := c.applicator.Apply(c.document, u.Patch, u.FullDocument, u.Metadata, u.Sizes)
		m.SessionID = c.session.ID
		metrics = &m
		if m.Success && next != nil {
			c.document = next
			changed = true
		}
	case u.Document != nil:
		if u.Document.Content == "" && c.document != nil {
			// 只有元数据的快照不清空已有内容
			doc := c.document.Clone()
			u.Document.Metadata().Splice(doc)
			c.document = doc
		} else {
			c.document = u.Document.Clone()
		}
		changed = true
	}
	doc := c.document.Clone()
	c.mu.Unlock()

	if metrics != nil {
		if !metrics.Success {
			log.Warnw("CRS update not applied, keeping last document",
				"sessionID", c.session.ID, "source", u.Source, "ops", metrics.OperationCount)
		}
		if c.metrics != nil {
			c.metrics.Append(*metrics)
		}
	}
	if !changed {
		return
	}
	c.persistDocument(doc)
	c.notify()
}

// HandleCRSComplete 处理聊天帧中的 crs 完成标记。
func (c *Coordinator) HandleCRSComplete(completion model.CRSCompletion) {
	if !completion.IsComplete {
		return
	}
	c.mu.Lock()
	c.typing = false
	c.mu.Unlock()
	c.notify()
}

// DismissError 关闭错误横幅。
func (c *Coordinator) DismissError() {
	c.mu.Lock()
	c.banner = ""
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) setBanner(msg string) {
	c.mu.Lock()
	c.banner = msg
	c.mu.Unlock()
	c.notify()
}

// ChatHandlers 返回绑定到协调器的聊天通道回调。
func (c *Coordinator) ChatHandlers() chat.Handlers {
	return chat.Handlers{
		OnMessage:     c.HandleMessage,
		OnCRSComplete: c.HandleCRSComplete,
		OnError: func(err error) {
			var inbound *chat.InboundError
			if errors.As(err, &inbound) {
				// 服务端处理失败，不会再有 AI 回复
				c.mu.Lock()
				c.typing = false
				c.mu.Unlock()
				c.setBanner(inbound.Message)
				return
			}
			c.setBanner(err.Error())
		},
		OnStateChange: func(s chat.ConnState) {
			c.mu.Lock()
			c.chatState = s
			c.mu.Unlock()
			c.notify()
		},
	}
}

// StreamCallbacks 返回绑定到协调器的事件流回调。
func (c *Coordinator) StreamCallbacks() stream.Callbacks {
	return stream.Callbacks{
		OnProgress: func(p stream.Progress) {
			c.mu.Lock()
			c.stream.Percent = p.Percent
			c.stream.Step = p.Step
			c.stream.Generating = p.Percent < 100
			c.mu.Unlock()
			c.notify()
		},
		OnComplete: func(*model.CRSDocument) {
			c.mu.Lock()
			c.stream.Percent = 100
			c.stream.Generating = false
			c.typing = false
			c.mu.Unlock()
			c.notify()
		},
		OnError: func(msg string) {
			c.mu.Lock()
			c.stream.Generating = false
			c.mu.Unlock()
			c.setBanner(msg)
		},
		OnUpdate: c.HandleDocumentUpdate,
		OnRetry: func(attempt int, msg string) {
			c.mu.Lock()
			c.stream.RetryAttempt = attempt
			c.stream.RetryMessage = msg
			c.mu.Unlock()
			c.notify()
		},
		OnStateChange: func(s stream.State) {
			c.mu.Lock()
			c.stream.State = s
			c.mu.Unlock()
			c.notify()
		},
	}
}

func (c *Coordinator) persistMessages(messages []model.ChatMessage) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.store.SaveMessages(ctx, c.session.ID, messages); err != nil {
		log.Warnw("failed to cache chat messages", "sessionID", c.session.ID, "error", err)
	}
}

func (c *Coordinator) persistDocument(doc *model.CRSDocument) {
	if c.store == nil || doc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.store.SaveDocument(ctx, c.session.ID, doc); err != nil {
		log.Warnw("failed to cache CRS document", "sessionID", c.session.ID, "error", err)
	}
}
