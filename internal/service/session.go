package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"crs-sync-go/internal/chat"
	"crs-sync-go/internal/client"
	"crs-sync-go/internal/config"
	"crs-sync-go/internal/diagnostics"
	"crs-sync-go/internal/model"
	"crs-sync-go/internal/patch"
	"crs-sync-go/internal/repository"
	"crs-sync-go/internal/stream"
	"crs-sync-go/pkg/log"
	"crs-sync-go/pkg/token"

	"github.com/gorilla/websocket"
)

// ErrCredentialExpired 表示 bearer 凭证已过期，需要重新登录。
var ErrCredentialExpired = token.ErrCredentialExpired

// SessionDeps 是会话的外部依赖，除 History 外都可以为空。
type SessionDeps struct {
	History    client.HistoryClient
	Snapshots  repository.SnapshotRepository
	Metrics    *diagnostics.MetricsLog
	Applicator *patch.Applicator
	Dialer     *websocket.Dialer
	HTTPClient *http.Client
	Now        func() time.Time
}

// Session 把一个会话的聊天连接、事件流和协调器组装在一起，不跨会话复用。
type Session struct {
	cfg         config.Config
	deps        SessionDeps
	coordinator *Coordinator
	chat        *chat.Transport
	stream      *stream.Channel
	role        model.SenderType

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error
}

// NewSession 根据配置创建会话，不会立即连接。
func NewSession(cfg config.Config, deps SessionDeps) (*Session, error) {
	if deps.History == nil {
		deps.History = client.NewHistoryClient(cfg.API.Origin, cfg.Auth.Token, cfg.API.HTTPTimeout)
	}
	if deps.Metrics == nil {
		deps.Metrics = diagnostics.NewMetricsLog(diagnostics.DefaultCapacity, nil)
	}
	if deps.Applicator == nil {
		deps.Applicator = patch.NewApplicator()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	role := model.SenderClient
	if cfg.Auth.Token != "" {
		claims, err := token.ParseClaims(cfg.Auth.Token)
		if err != nil {
			return nil, fmt.Errorf("invalid credential: %w", err)
		}
		role = claims.SenderType()
	}

	session := model.ChatSession{
		ID:        cfg.Session.ID,
		ProjectID: cfg.Session.ProjectID,
		Pattern:   model.CRSPattern(cfg.Session.Pattern),
	}
	var store SnapshotStore
	if deps.Snapshots != nil {
		store = deps.Snapshots
	}
	coord := NewCoordinator(session, role, deps.Applicator, deps.Metrics, store)

	s := &Session{cfg: cfg, deps: deps, coordinator: coord, role: role}
	s.chat = chat.NewTransport(chat.Options{
		Origin:       cfg.API.Origin,
		Path:         cfg.Chat.Path,
		SessionID:    session.ID,
		ProjectID:    session.ProjectID,
		Token:        cfg.Auth.Token,
		Enabled:      cfg.Session.Enabled,
		Pattern:      session.Pattern,
		WriteTimeout: cfg.Chat.WriteTimeout,
		PingInterval: cfg.Chat.PingInterval,
		Dialer:       deps.Dialer,
	}, coord.ChatHandlers())
	s.stream = stream.NewChannel(stream.Options{
		Origin:    cfg.API.Origin,
		Path:      cfg.Stream.Path,
		SessionID: session.ID,
		Token:     cfg.Auth.Token,
		Enabled:   cfg.Session.Enabled,
		Backoff: stream.Backoff{
			MaxRetries: cfg.Stream.MaxRetries,
			BaseDelay:  cfg.Stream.BaseDelay,
			MaxDelay:   cfg.Stream.MaxDelay,
		},
		HTTPClient: deps.HTTPClient,
	}, coord.StreamCallbacks())
	coord.AttachSender(s.chat)
	return s, nil
}

// Start 校验凭证、加载历史，然后连接两个通道。只执行一次。
func (s *Session) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.startErr = s.start(ctx)
	})
	return s.startErr
}

func (s *Session) start(ctx context.Context) error {
	if s.cfg.Auth.Token != "" {
		if _, err := token.Check(s.cfg.Auth.Token, s.deps.Now()); err != nil {
			if errors.Is(err, token.ErrCredentialExpired) {
				return ErrCredentialExpired
			}
			return fmt.Errorf("invalid credential: %w", err)
		}
	} else {
		log.Warnw("no credential configured, transports will stay idle", "sessionID", s.cfg.Session.ID)
	}

	if s.cfg.Session.ID != 0 {
		messages, doc := s.loadHistory(ctx)
		s.coordinator.Hydrate(messages, doc)
	}

	if err := s.chat.Connect(ctx); err != nil {
		// 错误已经通过横幅展示，事件流仍然可以单独工作
		log.Warnw("chat transport failed to connect", "sessionID", s.cfg.Session.ID, "error", err)
	}
	s.stream.Connect()
	log.Infow("session started", "sessionID", s.cfg.Session.ID, "projectID", s.cfg.Session.ProjectID, "role", s.role)
	return nil
}

// loadHistory 先读后端历史接口，失败时退回本地快照缓存。
func (s *Session) loadHistory(ctx context.Context) ([]model.ChatMessage, *model.CRSDocument) {
	id := s.cfg.Session.ID

	messages, err := s.deps.History.Messages(ctx, id)
	if err != nil {
		log.Warnw("failed to load chat history, trying snapshot cache", "sessionID", id, "error", err)
		messages = nil
		if s.deps.Snapshots != nil {
			if cached, cacheErr := s.deps.Snapshots.LoadMessages(ctx, id); cacheErr == nil {
				messages = cached
			} else {
				log.Warnw("failed to load cached chat messages", "sessionID", id, "error", cacheErr)
			}
		}
	}

	doc, err := s.deps.History.LatestDocument(ctx, id)
	if err != nil {
		log.Warnw("failed to load latest CRS document, trying snapshot cache", "sessionID", id, "error", err)
		doc = nil
		if s.deps.Snapshots != nil {
			if cached, cacheErr := s.deps.Snapshots.LoadDocument(ctx, id); cacheErr == nil {
				doc = cached
			} else {
				log.Warnw("failed to load cached CRS document", "sessionID", id, "error", cacheErr)
			}
		}
	}
	return messages, doc
}

// Stop 同步关闭两个通道并取消待执行的重连，可重复调用。
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.stream.Close()
		s.chat.Disconnect()
		log.Infow("session stopped", "sessionID", s.cfg.Session.ID)
	})
}

// Send 以当前角色发送一条聊天消息，返回本地条目 ID。
func (s *Session) Send(content string) (int64, error) {
	return s.coordinator.SendMessage(content)
}

// Retry 重新发送一条失败的消息。
func (s *Session) Retry(localID int64) error {
	return s.coordinator.RetryMessage(localID)
}

// ReconnectStream 手动重连事件流，重试次数耗尽后也可以使用。
func (s *Session) ReconnectStream() {
	s.stream.Reconnect()
}

// DismissError 关闭错误横幅。
func (s *Session) DismissError() {
	s.coordinator.DismissError()
}

func (s *Session) View() View {
	return s.coordinator.View()
}

func (s *Session) Subscribe(fn func(View)) func() {
	return s.coordinator.Subscribe(fn)
}

// Metrics 返回 patch 应用指标日志。
func (s *Session) Metrics() *diagnostics.MetricsLog {
	return s.deps.Metrics
}

// Role 返回当前凭证对应的发送方角色。
func (s *Session) Role() model.SenderType {
	return s.role
}
