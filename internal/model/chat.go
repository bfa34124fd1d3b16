// Package model 包含了应用的数据模型定义。
package model

import "time"

// CRSPattern 是生成 CRS 时遵循的需求文档标准。
type CRSPattern string

const (
	PatternBABOK            CRSPattern = "babok"
	PatternIEEE830          CRSPattern = "ieee_830"
	PatternISOIECIEEE29148  CRSPattern = "iso_iec_ieee_29148"
	PatternAgileUserStories CRSPattern = "agile_user_stories"
)

// Valid 判断是否为已知的文档标准。
func (p CRSPattern) Valid() bool {
	switch p {
	case PatternBABOK, PatternIEEE830, PatternISOIECIEEE29148, PatternAgileUserStories:
		return true
	}
	return false
}

// ChatSession 标识一个对话线程，由外部 CRUD 创建，这里只读。
type ChatSession struct {
	ID        int64      `json:"id"`
	ProjectID int64      `json:"project_id"`
	Pattern   CRSPattern `json:"crs_pattern"`
}

// SenderType 是消息发送方的角色。
type SenderType string

const (
	SenderClient  SenderType = "client"
	SenderAnalyst SenderType = "ba"
	SenderAI      SenderType = "ai"
)

// Human 判断是否为人类发送方（只有人类可以通过聊天通道发送）。
func (s SenderType) Human() bool {
	return s == SenderClient || s == SenderAnalyst
}

// Delivery 是消息条目的投递状态。
type Delivery int

const (
	// DeliveryConfirmed 表示服务端已确认（默认值，服务端下发的消息都是此状态）。
	DeliveryConfirmed Delivery = iota
	// DeliveryPending 表示乐观插入、尚未被服务端确认。
	DeliveryPending
	// DeliveryFailed 表示发送失败，条目保留以便重试。
	DeliveryFailed
)

func (d Delivery) String() string {
	switch d {
	case DeliveryPending:
		return "pending"
	case DeliveryFailed:
		return "failed"
	default:
		return "confirmed"
	}
}

// MarshalText 让 Delivery 在 JSON 中以字符串出现。
func (d Delivery) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Delivery) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pending":
		*d = DeliveryPending
	case "failed":
		*d = DeliveryFailed
	default:
		*d = DeliveryConfirmed
	}
	return nil
}

// ChatMessage 代表一条聊天消息。待确认的本地消息使用负数 ID。
type ChatMessage struct {
	ID         int64      `json:"id"`
	SessionID  int64      `json:"chat_session_id"`
	SenderType SenderType `json:"sender_type"`
	SenderID   *int64     `json:"sender_id,omitempty"`
	Content    string     `json:"content"`
	Timestamp  time.Time  `json:"timestamp"`
	Delivery   Delivery   `json:"delivery"`
}

func (m ChatMessage) Pending() bool { return m.Delivery == DeliveryPending }

func (m ChatMessage) Failed() bool { return m.Delivery == DeliveryFailed }

// OutboundFrame 是发往聊天 websocket 的消息帧。
type OutboundFrame struct {
	Content    string     `json:"content"`
	SenderType SenderType `json:"sender_type"`
	CRSPattern CRSPattern `json:"crs_pattern"`
}

// CRSCompletion 是聊天帧中嵌套的 crs 标记。
type CRSCompletion struct {
	IsComplete bool   `json:"is_complete"`
	Raw        []byte `json:"-"`
}
