package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"sudooom.im.client/internal/config"
)

// NATS Subject 常量定义
const (
	// SubjectGatewayUpstream 客户端 -> 网关 上行信封
	SubjectGatewayUpstream = "im.gateway.upstream"

	// SubjectClientPrefix 网关 -> 客户端 下行信封前缀
	// 完整格式: im.client.{client_id}
	SubjectClientPrefix = "im.client."

	// HeaderClientID 上行消息携带的客户端标识头
	HeaderClientID = "Client-Id"

	natsInboxSize = 256
)

// BuildClientSubject 构建客户端下行 Subject
func BuildClientSubject(clientID string) string {
	return SubjectClientPrefix + clientID
}

type natsConn struct {
	conn      *nats.Conn
	sub       *nats.Subscription
	inbox     chan *nats.Msg
	clientID  string
	done      chan struct{}
	doneOnce  sync.Once
	logger    *zap.Logger
	closeOnce sync.Once
}

func dialNATS(ctx context.Context, endpoint string, cfg config.NATSConfig, logger *zap.Logger) (*natsConn, error) {
	clientID := uuid.NewString()
	c := &natsConn{
		inbox:    make(chan *nats.Msg, natsInboxSize),
		clientID: clientID,
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("client_id", clientID)),
	}

	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if timeout = time.Until(deadline); timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}

	opts := []nats.Option{
		nats.Name("imchat-" + c.clientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.logger.Warn("Disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.logger.Info("NATS connection closed")
			c.doneOnce.Do(func() { close(c.done) })
		}),
	}

	conn, err := nats.Connect(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	c.conn = conn

	sub, err := conn.ChanSubscribe(BuildClientSubject(c.clientID), c.inbox)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	c.sub = sub

	c.logger.Debug("NATS connected", zap.String("url", conn.ConnectedUrl()))
	return c, nil
}

func (c *natsConn) Read() ([]byte, error) {
	select {
	case msg := <-c.inbox:
		return msg.Data, nil
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *natsConn) Write(frame []byte) error {
	msg := &nats.Msg{
		Subject: SubjectGatewayUpstream,
		Header:  nats.Header{},
		Data:    frame,
	}
	msg.Header.Set(HeaderClientID, c.clientID)
	return c.conn.PublishMsg(msg)
}

func (c *natsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.sub.Unsubscribe()
		c.conn.Close()
		c.doneOnce.Do(func() { close(c.done) })
	})
	return nil
}
