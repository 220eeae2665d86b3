package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"sudooom.im.client/internal/config"
)

var ErrClosed = errors.New("transport closed")

// Conn 推送通道的一条底层连接，每次 Read/Write 是一个完整的 JSON 信封
// Read 只能由一个协程调用，Write 只能由一个协程调用，Close 可并发调用
type Conn interface {
	Read() ([]byte, error)
	Write(frame []byte) error
	Close() error
}

// Dialer 建立推送通道连接
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Options 各传输方式的参数
type Options struct {
	NATS   config.NATSConfig
	QUIC   config.QUICConfig
	Logger *zap.Logger
}

// SchemeDialer 按端点 scheme 选择传输方式
//
//	ws://, wss://   WebSocket
//	https://        WebTransport
//	nats://         NATS
type SchemeDialer struct {
	opts Options
}

// NewDialer 创建按 scheme 分发的拨号器
func NewDialer(opts Options) *SchemeDialer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &SchemeDialer{opts: opts}
}

// Dial 建立连接
func (d *SchemeDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		return dialWebSocket(ctx, endpoint, d.opts.Logger)
	case "https":
		return dialWebTransport(ctx, endpoint, d.opts.QUIC, d.opts.Logger)
	case "nats":
		return dialNATS(ctx, endpoint, d.opts.NATS, d.opts.Logger)
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}
