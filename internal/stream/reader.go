package stream

import (
	"bufio"
	"bytes"
	"io"
)

// maxFrameSize 限制单行大小，整篇 CRS 文档可能较大。
const maxFrameSize = 4 * 1024 * 1024

// Frame 是一个 SSE 事件帧。
type Frame struct {
	Event string
	ID    string
	Data  []byte
}

// FrameReader 按 text/event-stream 格式解析帧：空行结束一帧，
// 以冒号开头的注释行（例如 keep-alive）被忽略，多行 data 用换行拼接。
type FrameReader struct {
	scanner *bufio.Scanner
}

func NewFrameReader(r io.Reader) *FrameReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &FrameReader{scanner: s}
}

// Next 返回下一帧；流结束时返回 io.EOF。
func (fr *FrameReader) Next() (Frame, error) {
	var (
		frame   Frame
		data    [][]byte
		hasData bool
	)
	for fr.scanner.Scan() {
		line := bytes.TrimRight(fr.scanner.Bytes(), "\r")
		if len(line) == 0 {
			if hasData {
				frame.Data = bytes.Join(data, []byte("\n"))
				return frame, nil
			}
			frame = Frame{}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], line[i+1:]
			value = bytes.TrimPrefix(value, []byte(" "))
		}
		switch string(field) {
		case "event":
			frame.Event = string(value)
		case "id":
			frame.ID = string(value)
		case "data":
			// Scanner 会复用缓冲区，必须拷贝
			data = append(data, append([]byte(nil), value...))
			hasData = true
		}
		// retry: 以及未知字段忽略，重连间隔由 Channel 自己的退避策略决定
	}
	if err := fr.scanner.Err(); err != nil {
		return Frame{}, err
	}
	if hasData {
		frame.Data = bytes.Join(data, []byte("\n"))
		return frame, nil
	}
	return Frame{}, io.EOF
}
