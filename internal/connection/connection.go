package connection

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sudooom.im.client/internal/proto"
	"sudooom.im.client/internal/transport"
)

var ErrConnectionClosed = errors.New("connection closed")

var connIDCounter int64

// Connection 表示一条推送通道连接
// readLoop 解析下行信封并分发，writeLoop 串行写出上行帧
type Connection struct {
	id         int64
	endpoint   string
	conn       transport.Conn
	logger     *zap.Logger
	writeChan  chan []byte
	closeChan  chan struct{}
	closeOnce  sync.Once
	closeErr   error
	createTime time.Time

	dispatch func(env *proto.Envelope)
	onClosed func(c *Connection, err error)
}

func newConnection(conn transport.Conn, endpoint string, logger *zap.Logger,
	dispatch func(env *proto.Envelope), onClosed func(c *Connection, err error)) *Connection {
	id := atomic.AddInt64(&connIDCounter, 1)
	return &Connection{
		id:         id,
		endpoint:   endpoint,
		conn:       conn,
		logger:     logger.With(zap.Int64("conn_id", id)),
		writeChan:  make(chan []byte, 256),
		closeChan:  make(chan struct{}),
		createTime: time.Now(),
		dispatch:   dispatch,
		onClosed:   onClosed,
	}
}

func (c *Connection) start() {
	go c.readLoop()
	go c.writeLoop()
}

func (c *Connection) ID() int64 {
	return c.id
}

func (c *Connection) Endpoint() string {
	return c.endpoint
}

func (c *Connection) CreateTime() time.Time {
	return c.createTime
}

// Done 连接关闭后返回的 channel 被关闭
func (c *Connection) Done() <-chan struct{} {
	return c.closeChan
}

// Err 连接关闭的原因，主动关闭时为 nil
func (c *Connection) Err() error {
	select {
	case <-c.closeChan:
		return c.closeErr
	default:
		return nil
	}
}

// Send 把一帧交给 writeLoop
func (c *Connection) Send(frame []byte) error {
	select {
	case <-c.closeChan:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeChan <- frame:
		return nil
	case <-c.closeChan:
		return ErrConnectionClosed
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case frame := <-c.writeChan:
			if err := c.conn.Write(frame); err != nil {
				c.logger.Error("Failed to write frame", zap.Error(err))
				c.shutdown(err)
				return
			}
		case <-c.closeChan:
			return
		}
	}
}

func (c *Connection) readLoop() {
	for {
		frame, err := c.conn.Read()
		if err != nil {
			select {
			case <-c.closeChan:
				// 本端主动关闭
				return
			default:
			}
			if errors.Is(err, transport.ErrClosed) {
				c.logger.Info("Connection closed by peer")
			} else {
				c.logger.Warn("Failed to read frame", zap.Error(err))
			}
			c.shutdown(err)
			return
		}

		env, err := proto.Decode(frame)
		if err != nil {
			c.logger.Warn("Dropping malformed envelope", zap.Error(err), zap.Int("size", len(frame)))
			continue
		}
		c.dispatch(env)
	}
}

// Close 主动关闭连接
func (c *Connection) Close() {
	c.shutdown(nil)
}

func (c *Connection) shutdown(err error) {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.closeErr = err
		close(c.closeChan)
		if cerr := c.conn.Close(); cerr != nil {
			c.logger.Debug("Transport close error", zap.Error(cerr))
		}
	})
	if first && c.onClosed != nil {
		c.onClosed(c, err)
	}
}
