package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	FrameHeaderSize = 5 // 4 bytes length + 1 byte frame type
	MaxFrameSize    = 1 << 20

	// 帧类型
	FrameTypeHeartbeat byte = 0
	FrameTypeEnvelope  byte = 10
)

// WriteFrame 写入一帧
func WriteFrame(w io.Writer, frameType byte, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d", len(body))
	}
	frame := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	frame[4] = frameType
	copy(frame[FrameHeaderSize:], body)

	_, err := w.Write(frame)
	return err
}

// ReadFrame 读取一帧
func ReadFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return header[4], body, nil
}
