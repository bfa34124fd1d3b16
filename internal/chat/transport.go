// Package chat 是聊天会话的双向 websocket 客户端。
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"crs-sync-go/internal/model"
	"crs-sync-go/pkg/log"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// DefaultPath 是聊天端点路径模板。
const DefaultPath = "/ws/chat/{project_id}/{session_id}"

var (
	// ErrNotOpen 表示连接尚未打开或已经关闭，消息没有发出。
	ErrNotOpen = errors.New("chat connection is not open")
	// ErrTransportClosed 表示 Disconnect 之后再次 Connect；新会话需要新的 Transport。
	ErrTransportClosed = errors.New("chat transport already closed")
	// ErrConnectionLost 表示连接在打开之后被对端或网络关闭。
	ErrConnectionLost = errors.New("chat connection lost")
)

// InboundError 是服务端在消息帧里内联返回的处理错误，连接保持打开。
type InboundError struct {
	Message string
}

func (e *InboundError) Error() string {
	return "chat server error: " + e.Message
}

// ConnState 是聊天连接状态。
type ConnState string

const (
	ConnIdle       ConnState = "idle"
	ConnConnecting ConnState = "connecting"
	ConnOpen       ConnState = "open"
	ConnClosed     ConnState = "closed"
	ConnError      ConnState = "error"
)

// phase 是防止重复连接/断开的三态守卫。
type phase int

const (
	phaseNeverOpened phase = iota
	phaseOpened
	phaseClosed
)

// Handlers 在读取 goroutine 中按到达顺序调用。
type Handlers struct {
	OnMessage     func(model.ChatMessage)
	OnError       func(error)
	OnCRSComplete func(model.CRSCompletion)
	OnStateChange func(ConnState)
}

// Options 描述一个聊天连接。缺少会话、项目、地址、凭证或未启用时保持 idle。
type Options struct {
	Origin       string
	Path         string
	SessionID    int64
	ProjectID    int64
	Token        string
	Enabled      bool
	Pattern      model.CRSPattern
	WriteTimeout time.Duration
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

// Transport 是单个会话的聊天连接，Connect/Disconnect 可以安全地重复调用。
type Transport struct {
	opts     Options
	handlers Handlers
	dialer   *websocket.Dialer

	mu         sync.Mutex
	phase      phase
	state      ConnState
	conn       *websocket.Conn
	connID     string
	cancelDial context.CancelFunc
	done       chan struct{}

	writeMu sync.Mutex
}

// NewTransport 创建聊天连接，不会立即连接。
func NewTransport(opts Options, handlers Handlers) *Transport {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		}
	}
	return &Transport{
		opts:     opts,
		handlers: handlers,
		dialer:   dialer,
		state:    ConnIdle,
	}
}

// State 返回当前连接状态。
func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) ready() bool {
	return t.opts.SessionID != 0 && t.opts.ProjectID != 0 && t.opts.Origin != "" &&
		t.opts.Token != "" && t.opts.Enabled
}

// Endpoint 返回带凭证的 websocket 地址（http/https 转换为 ws/wss）。
func (t *Transport) Endpoint() (string, error) {
	u, err := url.Parse(strings.TrimRight(t.opts.Origin, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid chat origin: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	path := strings.NewReplacer(
		"{project_id}", strconv.FormatInt(t.opts.ProjectID, 10),
		"{session_id}", strconv.FormatInt(t.opts.SessionID, 10),
	).Replace(t.opts.Path)
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	q.Set("token", t.opts.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect 建立连接。前置条件缺失时保持 idle 并返回 nil；
// 连接中或已打开时不重复连接；Disconnect 之后返回 ErrTransportClosed。
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.phase == phaseClosed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if !t.ready() {
		t.mu.Unlock()
		log.Debugw("chat transport not ready, staying idle", "sessionID", t.opts.SessionID, "projectID", t.opts.ProjectID)
		return nil
	}
	if t.state == ConnConnecting || t.state == ConnOpen {
		t.mu.Unlock()
		return nil
	}
	endpoint, err := t.Endpoint()
	if err != nil {
		t.mu.Unlock()
		return err
	}
	dialCtx, cancel := context.WithCancel(ctx)
	t.cancelDial = cancel
	t.state = ConnConnecting
	t.connID = uuid.NewString()
	connID := t.connID
	t.mu.Unlock()
	t.notifyState()

	conn, resp, err := t.dialer.DialContext(dialCtx, endpoint, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.mu.Lock()
	t.cancelDial = nil
	if t.phase == phaseClosed {
		// 连接打开前就被断开：静默关闭，不上报错误
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return nil
	}
	if err != nil {
		t.state = ConnError
		t.mu.Unlock()
		if resp != nil {
			err = fmt.Errorf("failed to dial chat websocket (status %d): %w", resp.StatusCode, err)
		} else {
			err = fmt.Errorf("failed to dial chat websocket: %w", err)
		}
		log.Warnw("chat websocket dial failed", "sessionID", t.opts.SessionID, "connID", connID, "error", err)
		t.notifyState()
		t.reportError(err)
		return err
	}
	t.conn = conn
	t.phase = phaseOpened
	t.state = ConnOpen
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	log.Infow("chat websocket connected", "sessionID", t.opts.SessionID, "projectID", t.opts.ProjectID, "connID", connID)
	t.notifyState()

	go t.readPump(conn, done, connID)
	if t.opts.PingInterval > 0 {
		go t.pingLoop(conn, done)
	}
	return nil
}

// Disconnect 关闭连接并取消进行中的拨号，可重复调用。
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.phase == phaseClosed {
		t.mu.Unlock()
		return
	}
	wasOpen := t.phase == phaseOpened
	t.phase = phaseClosed
	t.state = ConnClosed
	if t.cancelDial != nil {
		t.cancelDial()
		t.cancelDial = nil
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	log.Debugw("chat transport disconnected", "sessionID", t.opts.SessionID, "wasOpen", wasOpen)
	t.notifyState()
}

// Send 发送一条聊天消息。未处于打开状态时立即返回 ErrNotOpen。
func (t *Transport) Send(content string, sender model.SenderType) error {
	t.mu.Lock()
	conn := t.conn
	open := t.state == ConnOpen && conn != nil
	t.mu.Unlock()
	if !open {
		return ErrNotOpen
	}

	frame := model.OutboundFrame{Content: content, SenderType: sender, CRSPattern: t.opts.Pattern}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode chat frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to write chat frame: %w", err)
	}
	return nil
}

func (t *Transport) readPump(conn *websocket.Conn, done chan struct{}, connID string) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleReadError(conn, connID, err)
			return
		}
		t.dispatch(data, connID)
	}
}

func (t *Transport) handleReadError(conn *websocket.Conn, connID string, err error) {
	t.mu.Lock()
	closedByUs := t.phase == phaseClosed || t.conn != conn
	if !closedByUs {
		t.state = ConnClosed
		t.conn = nil
		// 连接丢失后不自动重连，避免重复发送
		t.phase = phaseClosed
	}
	t.mu.Unlock()
	_ = conn.Close()

	if closedByUs {
		return
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Warnw("chat websocket closed unexpectedly", "sessionID", t.opts.SessionID, "connID", connID, "error", err)
	} else {
		log.Infow("chat websocket closed by server", "sessionID", t.opts.SessionID, "connID", connID, "error", err)
	}
	t.notifyState()
	t.reportError(fmt.Errorf("%w: %v", ErrConnectionLost, err))
}

// dispatch 解析一条入站帧。非 JSON 帧记录后丢弃。
func (t *Transport) dispatch(data []byte, connID string) {
	if !gjson.ValidBytes(data) {
		log.Warnw("dropping malformed chat frame", "connID", connID, "data", string(data))
		return
	}
	frame := gjson.ParseBytes(data)
	if !frame.IsObject() {
		log.Warnw("dropping non-object chat frame", "connID", connID, "data", string(data))
		return
	}

	if errField := frame.Get("error"); errField.Exists() && errField.Type != gjson.Null {
		t.reportError(&InboundError{Message: errField.String()})
		return
	}

	handled := false
	if frame.Get("id").Exists() && frame.Get("content").Exists() {
		var msg model.ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warnw("dropping undecodable chat message", "connID", connID, "error", err)
		} else {
			msg.Delivery = model.DeliveryConfirmed
			if msg.SessionID == 0 {
				msg.SessionID = t.opts.SessionID
			}
			if t.handlers.OnMessage != nil {
				t.handlers.OnMessage(msg)
			}
			handled = true
		}
	}

	if crs := frame.Get("crs"); crs.IsObject() {
		completion := model.CRSCompletion{
			IsComplete: crs.Get("is_complete").Bool(),
			Raw:        []byte(crs.Raw),
		}
		if t.handlers.OnCRSComplete != nil {
			t.handlers.OnCRSComplete(completion)
		}
		handled = true
	}

	if !handled {
		log.Debugw("ignoring chat frame", "connID", connID, "type", frame.Get("type").String())
	}
}

func (t *Transport) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.opts.WriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				log.Debugw("chat ping failed", "sessionID", t.opts.SessionID, "error", err)
				return
			}
		}
	}
}

func (t *Transport) notifyState() {
	if t.handlers.OnStateChange != nil {
		t.handlers.OnStateChange(t.State())
	}
}

func (t *Transport) reportError(err error) {
	if t.handlers.OnError != nil {
		t.handlers.OnError(err)
	}
}
