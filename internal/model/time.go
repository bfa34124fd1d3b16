package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// 服务端时间戳可能带时区，也可能是不带时区的本地格式或毫秒数。
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// FlexibleTime 接受多种时间格式，序列化为 RFC3339Nano。
type FlexibleTime time.Time

func (t FlexibleTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).Format(time.RFC3339Nano))
}

func (t *FlexibleTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] != '"' {
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s: %w", data, err)
		}
		*t = FlexibleTime(time.UnixMilli(ms))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = FlexibleTime(parsed)
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

// UnmarshalJSON 让 ChatMessage 接受 FlexibleTime 支持的时间格式。
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias ChatMessage
	aux := struct {
		*alias
		Timestamp FlexibleTime `json:"timestamp"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Timestamp = time.Time(aux.Timestamp)
	return nil
}

// UnmarshalJSON 让 CRSDocument 的时间字段接受 FlexibleTime 支持的时间格式。
func (d *CRSDocument) UnmarshalJSON(data []byte) error {
	type alias CRSDocument
	aux := struct {
		*alias
		CreatedAt FlexibleTime `json:"created_at"`
		UpdatedAt FlexibleTime `json:"updated_at"`
	}{alias: (*alias)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	d.CreatedAt = time.Time(aux.CreatedAt)
	d.UpdatedAt = time.Time(aux.UpdatedAt)
	return nil
}

func (m *DocumentMetadata) UnmarshalJSON(data []byte) error {
	type alias DocumentMetadata
	aux := struct {
		*alias
		UpdatedAt FlexibleTime `json:"updated_at"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.UpdatedAt = time.Time(aux.UpdatedAt)
	return nil
}
