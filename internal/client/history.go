// Package client 调用后端 REST 接口读取会话历史。
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"crs-sync-go/internal/model"
	"crs-sync-go/pkg/log"

	"github.com/tidwall/gjson"
)

// HistoryClient 读取会话已有的聊天记录和最近一份 CRS 文档。
type HistoryClient interface {
	Messages(ctx context.Context, sessionID int64) ([]model.ChatMessage, error)
	LatestDocument(ctx context.Context, sessionID int64) (*model.CRSDocument, error)
}

type restHistoryClient struct {
	origin string
	token  string
	client *http.Client
}

// NewHistoryClient 创建历史记录客户端。timeout 为 0 时不设置整体超时。
func NewHistoryClient(origin, token string, timeout time.Duration) HistoryClient {
	return &restHistoryClient{
		origin: strings.TrimRight(origin, "/"),
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

// Messages 返回会话的聊天记录。
func (c *restHistoryClient) Messages(ctx context.Context, sessionID int64) ([]model.ChatMessage, error) {
	body, found, err := c.get(ctx, fmt.Sprintf("/api/chat/sessions/%d/messages", sessionID))
	if err != nil {
		return nil, err
	}
	if !found {
		return []model.ChatMessage{}, nil
	}
	var messages []model.ChatMessage
	if err := json.Unmarshal(body, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode chat history: %w", err)
	}
	for i := range messages {
		if messages[i].SessionID == 0 {
			messages[i].SessionID = sessionID
		}
		messages[i].Delivery = model.DeliveryConfirmed
	}
	log.Infow("loaded chat history", "sessionID", sessionID, "count", len(messages))
	return messages, nil
}

// LatestDocument 返回会话最近的 CRS 文档，还没有文档时返回 nil。
func (c *restHistoryClient) LatestDocument(ctx context.Context, sessionID int64) (*model.CRSDocument, error) {
	body, found, err := c.get(ctx, fmt.Sprintf("/api/crs/sessions/%d/latest", sessionID))
	if err != nil || !found {
		return nil, err
	}
	var doc model.CRSDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode CRS document: %w", err)
	}
	return &doc, nil
}

// get 返回响应体；404 时 found 为 false。包在 {code, message, data} 信封里的响应会取出 data。
func (c *restHistoryClient) get(ctx context.Context, path string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.origin+path, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read response of %s: %w", path, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("%s returned non-200 status: %s, body: %s", path, resp.Status, truncate(body, 512))
	}

	parsed := gjson.ParseBytes(body)
	if parsed.IsObject() {
		if data := parsed.Get("data"); data.Exists() && parsed.Get("code").Exists() {
			if data.Type == gjson.Null {
				return nil, false, nil
			}
			return []byte(data.Raw), true, nil
		}
	}
	return body, true, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
