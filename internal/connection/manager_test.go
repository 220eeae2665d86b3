package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	imErrors "sudooom.im.client/internal/errors"
	"sudooom.im.client/internal/proto"
	"sudooom.im.client/internal/transport/transporttest"
)

const endpoint = "ws://push.test/ws"

func newTestManager(t *testing.T) (*Manager, *transporttest.Server) {
	t.Helper()
	srv := transporttest.NewServer()
	m := NewManager(srv, zaptest.NewLogger(t))
	t.Cleanup(m.Close)
	return m, srv
}

func recv(t *testing.T, srv *transporttest.Server) proto.Envelope {
	t.Helper()
	select {
	case env := <-srv.Received():
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for upstream envelope")
		return proto.Envelope{}
	}
}

func TestManager_ConnectIdempotent(t *testing.T) {
	m, srv := newTestManager(t)
	assert.Equal(t, StateIdle, m.State())
	assert.Nil(t, m.Current())

	c1, err := m.Connect(context.Background(), endpoint)
	require.NoError(t, err)
	c2, err := m.Connect(context.Background(), endpoint)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, srv.Dials())
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_ReconnectAfterDisconnect(t *testing.T) {
	m, srv := newTestManager(t)

	c1, err := m.Connect(context.Background(), endpoint)
	require.NoError(t, err)

	srv.Drop()
	<-c1.Done()
	require.Eventually(t, func() bool { return m.State() == StateDisconnected }, time.Second, 5*time.Millisecond)

	assert.Same(t, c1, m.Current(), "a dropped connection stays current until redialed")
	assert.Equal(t, endpoint, c1.Endpoint())
	assert.Error(t, c1.Err())

	c2, err := m.Connect(context.Background(), endpoint)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Same(t, c2, m.Current())
	assert.False(t, c2.CreateTime().Before(c1.CreateTime()))
	assert.Equal(t, 2, srv.Dials())
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_DialFailure(t *testing.T) {
	m, srv := newTestManager(t)
	srv.FailDials(errors.New("connection refused"))

	var mu sync.Mutex
	var states []State
	m.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	c, err := m.Connect(context.Background(), endpoint)
	assert.Nil(t, c)
	assert.True(t, imErrors.Is(err, imErrors.ErrDisconnected))
	assert.Equal(t, StateDisconnected, m.State())

	mu.Lock()
	assert.Equal(t, []State{StateConnecting, StateDisconnected}, states)
	mu.Unlock()
}

func TestManager_EmitWhenDisconnected(t *testing.T) {
	m, srv := newTestManager(t)

	err := m.Emit(proto.TopicRegister, "u1")
	assert.True(t, imErrors.Is(err, imErrors.ErrDisconnected))

	select {
	case env := <-srv.Received():
		t.Fatalf("unexpected emission %v", env)
	default:
	}
}

func TestManager_Emit(t *testing.T) {
	m, srv := newTestManager(t)
	_, err := m.Connect(context.Background(), endpoint)
	require.NoError(t, err)

	require.NoError(t, m.Emit(proto.TopicJoinRoom, proto.JoinRoom{Token: "a.b.c", ReceiverID: "u2"}))

	env := recv(t, srv)
	assert.Equal(t, proto.TopicJoinRoom, env.Event)
	assert.JSONEq(t, `{"token":"a.b.c","receiverId":"u2"}`, string(env.Data))
}

func TestManager_OnReplacesHandler(t *testing.T) {
	m, srv := newTestManager(t)
	_, err := m.Connect(context.Background(), endpoint)
	require.NoError(t, err)

	first := make(chan json.RawMessage, 1)
	second := make(chan json.RawMessage, 1)
	m.On(proto.TopicMessage, func(data json.RawMessage) { first <- data })
	m.On(proto.TopicMessage, func(data json.RawMessage) { second <- data })

	require.NoError(t, srv.Push(proto.TopicMessage, map[string]string{"id": "1"}))

	select {
	case data := <-second:
		assert.JSONEq(t, `{"id":"1"}`, string(data))
	case <-time.After(time.Second):
		t.Fatal("replacement handler not called")
	}
	assert.Empty(t, first)
}

func TestManager_OffAndMalformed(t *testing.T) {
	m, srv := newTestManager(t)
	_, err := m.Connect(context.Background(), endpoint)
	require.NoError(t, err)

	got := make(chan string, 4)
	m.On(proto.TopicNotification, func(data json.RawMessage) { got <- string(data) })
	m.On(proto.TopicMessage, func(data json.RawMessage) { got <- "message" })
	m.Off(proto.TopicMessage)

	require.NoError(t, srv.PushRaw([]byte("not json")))
	require.NoError(t, srv.Push(proto.TopicMessage, map[string]string{"id": "1"}))
	require.NoError(t, srv.Push(proto.TopicNotification, proto.NotificationPush{ID: "n1", Content: "hi"}))

	select {
	case data := <-got:
		assert.JSONEq(t, `{"id":"n1","content":"hi"}`, data)
	case <-time.After(time.Second):
		t.Fatal("notification handler not called")
	}
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_StateListener(t *testing.T) {
	m, srv := newTestManager(t)

	changes := make(chan State, 8)
	cancel := m.OnStateChange(func(s State) { changes <- s })

	_, err := m.Connect(context.Background(), endpoint)
	require.NoError(t, err)
	srv.Drop()

	var seen []State
	timeout := time.After(time.Second)
	for len(seen) < 3 {
		select {
		case s := <-changes:
			seen = append(seen, s)
		case <-timeout:
			t.Fatalf("state changes: %v", seen)
		}
	}
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, seen)

	cancel()
	_, err = m.Connect(context.Background(), endpoint)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestConnection_SendAfterClose(t *testing.T) {
	m, _ := newTestManager(t)
	c, err := m.Connect(context.Background(), endpoint)
	require.NoError(t, err)

	c.Close()
	assert.ErrorIs(t, c.Send([]byte(`{}`)), ErrConnectionClosed)
	assert.NoError(t, c.Err())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown", State(42).String())
}
