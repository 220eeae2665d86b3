package connection

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	imErrors "sudooom.im.client/internal/errors"
	"sudooom.im.client/internal/proto"
	"sudooom.im.client/internal/transport"
)

// State 连接状态
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Handler 下行事件处理函数，在连接的读协程中调用
type Handler func(data json.RawMessage)

// Manager 管理进程内唯一的推送通道连接
//
// 每个主题最多一个处理函数：On 会替换同主题的旧处理函数。
// 连接失败不会在这里重试，只通过 State/OnStateChange 暴露 Disconnected。
type Manager struct {
	dialer transport.Dialer
	logger *zap.Logger

	dialMu  sync.Mutex // 串行化 Connect
	mu      sync.Mutex
	current *Connection
	state   State

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	listenersMu sync.Mutex
	notifyMu    sync.Mutex
	listeners   map[int]func(State)
	nextID      int
}

func NewManager(dialer transport.Dialer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dialer:    dialer,
		logger:    logger,
		handlers:  make(map[string]Handler),
		listeners: make(map[int]func(State)),
	}
}

// Connect 建立连接（幂等）
// 已有未断开的连接时直接返回；只有在没有连接或连接已断开时才重新拨号
func (m *Manager) Connect(ctx context.Context, endpoint string) (*Connection, error) {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	m.mu.Lock()
	if m.current != nil && m.state == StateConnected {
		c := m.current
		m.mu.Unlock()
		return c, nil
	}
	m.state = StateConnecting
	m.mu.Unlock()
	m.notify()

	m.logger.Info("Connecting push channel", zap.String("endpoint", endpoint))

	conn, err := m.dialer.Dial(ctx, endpoint)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.notify()

		m.logger.Warn("Push channel dial failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, imErrors.ErrDisconnected.Wrap(err)
	}

	c := newConnection(conn, endpoint, m.logger, m.dispatch, m.onClosed)
	m.mu.Lock()
	m.current = c
	m.state = StateConnected
	m.mu.Unlock()

	c.start()
	m.notify()

	m.logger.Info("Push channel connected",
		zap.String("endpoint", endpoint),
		zap.Int64("conn_id", c.ID()))
	return c, nil
}

// On 注册主题处理函数，替换同主题的旧处理函数
func (m *Manager) On(topic string, handler Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()

	if _, exists := m.handlers[topic]; exists {
		m.logger.Debug("Replacing topic handler", zap.String("topic", topic))
	}
	m.handlers[topic] = handler
}

// Off 移除主题处理函数
func (m *Manager) Off(topic string) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	delete(m.handlers, topic)
}

// Emit 发送上行事件，未连接时返回 ErrDisconnected 且不发送任何数据
func (m *Manager) Emit(topic string, payload any) error {
	m.mu.Lock()
	c, state := m.current, m.state
	m.mu.Unlock()

	if c == nil || state != StateConnected {
		return imErrors.ErrDisconnected
	}

	frame, err := proto.Encode(topic, payload)
	if err != nil {
		return imErrors.ErrInvalidParams.Wrap(err)
	}
	if err := c.Send(frame); err != nil {
		return imErrors.ErrDisconnected.Wrap(err)
	}
	return nil
}

// State 当前连接状态
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange 订阅状态变化，返回取消订阅函数
// 回调收到的是回调时刻的最新状态，相邻两次回调可能状态相同
func (m *Manager) OnStateChange(fn func(State)) func() {
	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

// Current 最近一次建立的连接，可能已断开；从未连接时为 nil
func (m *Manager) Current() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close 关闭当前连接
func (m *Manager) Close() {
	m.mu.Lock()
	c := m.current
	m.mu.Unlock()

	if c != nil {
		c.Close()
	}
}

func (m *Manager) dispatch(env *proto.Envelope) {
	m.handlersMu.RLock()
	handler := m.handlers[env.Event]
	m.handlersMu.RUnlock()

	if handler == nil {
		m.logger.Debug("No handler for topic", zap.String("topic", env.Event))
		return
	}
	handler(env.Data)
}

func (m *Manager) onClosed(c *Connection, err error) {
	m.mu.Lock()
	current := m.current == c
	m.mu.Unlock()
	if !current {
		return
	}

	m.logger.Warn("Push channel disconnected",
		zap.Int64("conn_id", c.ID()),
		zap.Error(err))

	m.mu.Lock()
	if m.current == c {
		m.state = StateDisconnected
	}
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) notify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	state := m.State()

	m.listenersMu.Lock()
	fns := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenersMu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}
