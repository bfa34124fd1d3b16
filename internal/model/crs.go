package model

import (
	"encoding/json"
	"time"
)

// CRSStatus 是 CRS 文档的生命周期状态。
type CRSStatus string

const (
	CRSStatusDraft       CRSStatus = "draft"
	CRSStatusUnderReview CRSStatus = "under_review"
	CRSStatusApproved    CRSStatus = "approved"
	CRSStatusRejected    CRSStatus = "rejected"
)

// CRSDocument 是结构化的需求文档。Content 是 JSON 编码的模板。
// Version 在状态变更时递增，EditVersion 在内容编辑时递增。
type CRSDocument struct {
	ID            int64     `json:"id"`
	ProjectID     int64     `json:"project_id"`
	ChatSessionID int64     `json:"chat_session_id"`
	Content       string    `json:"content"`
	Status        CRSStatus `json:"status"`
	Version       int       `json:"version"`
	EditVersion   int       `json:"edit_version"`
	SummaryPoints []string  `json:"summary_points,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone 返回深拷贝。
func (d *CRSDocument) Clone() *CRSDocument {
	if d == nil {
		return nil
	}
	out := *d
	if d.SummaryPoints != nil {
		out.SummaryPoints = append([]string(nil), d.SummaryPoints...)
	}
	return &out
}

// Metadata 提取文档的元数据部分。
func (d *CRSDocument) Metadata() *DocumentMetadata {
	if d == nil {
		return nil
	}
	return &DocumentMetadata{
		ID:            d.ID,
		ProjectID:     d.ProjectID,
		ChatSessionID: d.ChatSessionID,
		Status:        d.Status,
		Version:       d.Version,
		EditVersion:   d.EditVersion,
		SummaryPoints: d.SummaryPoints,
		UpdatedAt:     d.UpdatedAt,
	}
}

// DocumentMetadata 是需要拼接进结果文档的元数据，零值字段不覆盖。
type DocumentMetadata struct {
	ID            int64     `json:"id,omitempty"`
	ProjectID     int64     `json:"project_id,omitempty"`
	ChatSessionID int64     `json:"chat_session_id,omitempty"`
	Status        CRSStatus `json:"status,omitempty"`
	Version       int       `json:"version,omitempty"`
	EditVersion   int       `json:"edit_version,omitempty"`
	SummaryPoints []string  `json:"summary_points,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// Splice 把元数据写入文档。
func (m *DocumentMetadata) Splice(doc *CRSDocument) {
	if m == nil || doc == nil {
		return
	}
	if m.ID != 0 {
		doc.ID = m.ID
	}
	if m.ProjectID != 0 {
		doc.ProjectID = m.ProjectID
	}
	if m.ChatSessionID != 0 {
		doc.ChatSessionID = m.ChatSessionID
	}
	if m.Status != "" {
		doc.Status = m.Status
	}
	// 两个版本号都只增不减
	if m.Version > doc.Version {
		doc.Version = m.Version
	}
	if m.EditVersion > doc.EditVersion {
		doc.EditVersion = m.EditVersion
	}
	if m.SummaryPoints != nil {
		doc.SummaryPoints = append([]string(nil), m.SummaryPoints...)
	}
	if !m.UpdatedAt.IsZero() {
		doc.UpdatedAt = m.UpdatedAt
	}
}

// PatchOperation 是一条 RFC-6902 操作。
type PatchOperation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// PatchSizes 是服务端随 patch 附带的 _metrics 旁路信息，只用于指标记录。
type PatchSizes struct {
	PatchSizeBytes       int     `json:"patch_size_bytes"`
	FullSizeBytes        int     `json:"full_size_bytes"`
	SizeReductionPercent float64 `json:"size_reduction_percent"`
}

// DocumentUpdate 是事件流交给文档接收方的一次更新。
type DocumentUpdate struct {
	Document     *CRSDocument      `json:"document,omitempty"`
	Patch        []PatchOperation  `json:"patch,omitempty"`
	FullDocument *string           `json:"full_document,omitempty"`
	Metadata     *DocumentMetadata `json:"metadata,omitempty"`
	Sizes        *PatchSizes       `json:"_metrics,omitempty"`
	Source       StreamEventType   `json:"source"`
}

// NeedsApply 表示更新需要经过 patch 应用器（而不是直接替换）。
func (u DocumentUpdate) NeedsApply() bool {
	return len(u.Patch) > 0 || u.FullDocument != nil
}
