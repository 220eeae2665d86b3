// Package transporttest 提供内存推送服务端，用于连接层和门面层的测试
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"sudooom.im.client/internal/proto"
	"sudooom.im.client/internal/transport"
)

// Server 内存推送服务端，实现 transport.Dialer
type Server struct {
	mu       sync.Mutex
	conns    []*Conn
	dialErr  error
	dials    int
	received chan proto.Envelope
}

// NewServer 创建内存推送服务端
func NewServer() *Server {
	return &Server{
		received: make(chan proto.Envelope, 256),
	}
}

// Dial 建立一条内存连接
func (s *Server) Dial(ctx context.Context, endpoint string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dials++
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	c := &Conn{
		server: s,
		toCli:  make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	s.conns = append(s.conns, c)
	return c, nil
}

// FailDials 之后的拨号都返回 err，传 nil 恢复
func (s *Server) FailDials(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErr = err
}

// Dials 拨号次数
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Received 客户端发出的信封
func (s *Server) Received() <-chan proto.Envelope {
	return s.received
}

// Push 向最近一条连接推送事件
func (s *Server) Push(event string, payload any) error {
	frame, err := proto.Encode(event, payload)
	if err != nil {
		return err
	}
	return s.PushRaw(frame)
}

// PushRaw 推送原始帧
func (s *Server) PushRaw(frame []byte) error {
	c := s.latest()
	if c == nil {
		return errors.New("no connection")
	}
	select {
	case c.toCli <- frame:
		return nil
	case <-c.closed:
		return transport.ErrClosed
	}
}

// Drop 服务端断开最近一条连接
func (s *Server) Drop() {
	if c := s.latest(); c != nil {
		_ = c.Close()
	}
}

func (s *Server) latest() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// Conn 内存连接的客户端一侧
type Conn struct {
	server    *Server
	toCli     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *Conn) Read() ([]byte, error) {
	select {
	case frame := <-c.toCli:
		return frame, nil
	case <-c.closed:
		return nil, transport.ErrClosed
	}
}

func (c *Conn) Write(frame []byte) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}

	var env proto.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return err
	}
	c.server.received <- env
	return nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
