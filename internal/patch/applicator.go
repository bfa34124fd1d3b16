// Package patch 负责把 RFC-6902 JSON Patch 应用到 CRS 文档快照上，失败时回退为整篇替换。
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crs-sync-go/internal/model"
	"crs-sync-go/pkg/log"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

var ErrEmptyContent = errors.New("current document has no content")

// Applicator 没有内部状态，可以被多个会话共用。
type Applicator struct {
	now     func() time.Time
	options *jsonpatch.ApplyOptions
}

// NewApplicator 创建严格模式的应用器：任何指向不存在路径的操作都会让整批失败。
func NewApplicator() *Applicator {
	opts := jsonpatch.NewApplyOptions()
	opts.EnsurePathExistsOnAdd = false
	opts.AllowMissingPathOnRemove = false
	return &Applicator{now: time.Now, options: opts}
}

// Apply 根据当前文档、patch 和可选的整篇文档计算新的快照。
// 返回的文档要么是完整应用了所有操作的新快照，要么是整篇回退的结果，
// 要么是未改动的 current（此时 metrics.Success 为 false）。
func (a *Applicator) Apply(current *model.CRSDocument, ops []model.PatchOperation, fullDocument *string,
	meta *model.DocumentMetadata, sizes *model.PatchSizes) (*model.CRSDocument, model.PatchMetrics) {

	start := a.now()
	metrics := model.PatchMetrics{OperationCount: len(ops)}
	if sizes != nil {
		metrics.PatchSizeBytes = sizes.PatchSizeBytes
		metrics.FullSizeBytes = sizes.FullSizeBytes
		metrics.SizeReductionPercent = sizes.SizeReductionPercent
	}
	finish := func(doc *model.CRSDocument, success, fallback bool) (*model.CRSDocument, model.PatchMetrics) {
		metrics.Success = success
		metrics.FallbackToFull = fallback
		end := a.now()
		metrics.DurationMs = float64(end.Sub(start).Microseconds()) / 1000.0
		metrics.RecordedAt = end
		return doc, metrics
	}

	// 新会话：还没有文档，只能用整篇文档引导
	if current == nil {
		if fullDocument == nil {
			log.Debugw("no document and no full document, nothing to apply", "ops", len(ops))
			return finish(nil, false, false)
		}
		doc := &model.CRSDocument{Content: *fullDocument, CreatedAt: start, UpdatedAt: start}
		meta.Splice(doc)
		return finish(doc, true, true)
	}

	warnStale(current, meta)

	if len(ops) > 0 {
		content, err := a.applyOps(current.Content, ops)
		if err == nil {
			doc := current.Clone()
			doc.Content = content
			doc.UpdatedAt = start
			meta.Splice(doc)
			return finish(doc, true, false)
		}
		log.Warnw("patch application failed, trying full document fallback",
			"error", err, "ops", len(ops), "hasFullDocument", fullDocument != nil)
	}

	if fullDocument != nil {
		doc := current.Clone()
		doc.Content = *fullDocument
		doc.UpdatedAt = start
		meta.Splice(doc)
		return finish(doc, true, true)
	}

	// 既没有可用的 patch 也没有整篇文档：保持原样
	return finish(current, false, false)
}

func (a *Applicator) applyOps(content string, ops []model.PatchOperation) (string, error) {
	if content == "" {
		return "", ErrEmptyContent
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return "", fmt.Errorf("encode patch: %w", err)
	}
	p, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return "", fmt.Errorf("decode patch: %w", err)
	}
	// 库在解析后的副本上操作，原始内容不会被部分修改
	out, err := p.ApplyWithOptions([]byte(content), a.options)
	if err != nil {
		return "", fmt.Errorf("apply patch: %w", err)
	}
	return string(out), nil
}

// 旧版本的更新仍然按后写覆盖处理，这里只记录
func warnStale(current *model.CRSDocument, meta *model.DocumentMetadata) {
	if meta == nil || meta.EditVersion == 0 {
		return
	}
	if meta.EditVersion < current.EditVersion {
		log.Warnw("applying update with stale edit_version",
			"documentID", current.ID, "held", current.EditVersion, "incoming", meta.EditVersion)
	}
}
