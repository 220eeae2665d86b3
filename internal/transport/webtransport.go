package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"
	"go.uber.org/zap"

	"sudooom.im.client/internal/config"
)

// wtConn WebTransport 会话上的一条双向流，帧格式见 frame.go
type wtConn struct {
	session   *webtransport.Session
	stream    *webtransport.Stream
	logger    *zap.Logger
	closeOnce sync.Once
}

func dialWebTransport(ctx context.Context, endpoint string, cfg config.QUICConfig, logger *zap.Logger) (*wtConn, error) {
	dialer := &webtransport.Dialer{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.Insecure, // 仅用于自签名证书的开发环境
			NextProtos:         []string{"h3"},
		},
		QUICConfig: &quic.Config{
			MaxIdleTimeout:  cfg.MaxIdleTimeout,
			KeepAlivePeriod: cfg.KeepAlivePeriod,
		},
	}

	resp, session, err := dialer.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("webtransport dial: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_ = session.CloseWithError(0, "handshake rejected")
		return nil, fmt.Errorf("webtransport handshake: status %d", resp.StatusCode)
	}

	stream, err := session.OpenStreamSync(ctx)
	if err != nil {
		_ = session.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}

	logger.Debug("WebTransport connected", zap.String("endpoint", endpoint))
	return &wtConn{session: session, stream: stream, logger: logger}, nil
}

func (c *wtConn) Read() ([]byte, error) {
	for {
		frameType, body, err := ReadFrame(c.stream)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrClosed
			}
			return nil, err
		}

		switch frameType {
		case FrameTypeEnvelope:
			return body, nil
		case FrameTypeHeartbeat:
			continue
		default:
			c.logger.Debug("Skipping unknown frame", zap.Uint8("frame_type", frameType))
		}
	}
}

func (c *wtConn) Write(frame []byte) error {
	return WriteFrame(c.stream, FrameTypeEnvelope, frame)
}

func (c *wtConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.stream.Close()
		err = c.session.CloseWithError(0, "client closed")
	})
	return err
}
