package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	imErrors "sudooom.im.realtime/internal/errors"
	"sudooom.im.realtime/internal/protocol"
)

// newWSPair 启动测试服务端，返回服务端通道与客户端连接
func newWSPair(t *testing.T, handle func(raw []byte)) (*WebSocketChannel, *websocket.Conn) {
	t.Helper()
	return newWSPairWithIdle(t, handle, 0)
}

func newWSPairWithIdle(t *testing.T, handle func(raw []byte), idleTimeout time.Duration) (*WebSocketChannel, *websocket.Conn) {
	t.Helper()

	chCh := make(chan *WebSocketChannel, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch := NewWebSocketChannel(ws, ChannelOptions{
			ID:          1,
			UserID:      "alice",
			RemoteAddr:  r.RemoteAddr,
			SendBuffer:  4,
			IdleTimeout: idleTimeout,
			Logger:      discardLogger(),
		})
		chCh <- ch
		ch.Serve(handle)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case ch := <-chCh:
		return ch, client
	case <-time.After(5 * time.Second):
		t.Fatal("server channel not created")
		return nil, nil
	}
}

func TestWebSocketChannel_SendAndReceive(t *testing.T) {
	received := make(chan []byte, 1)
	ch, client := newWSPair(t, func(raw []byte) { received <- raw })

	assert.True(t, ch.Connected())
	assert.Equal(t, "alice", ch.UserID())

	require.NoError(t, ch.Send(protocol.EventNotification, map[string]any{"type": "new_message"}))

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.EventNotification, env.Event)
	assert.JSONEq(t, `{"type":"new_message"}`, string(env.Data))

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"ping"}`)))
	select {
	case raw := <-received:
		assert.JSONEq(t, `{"event":"ping"}`, string(raw))
	case <-time.After(5 * time.Second):
		t.Fatal("signal not delivered")
	}
}

func TestWebSocketChannel_ForceCloseFlushesNotice(t *testing.T) {
	ch, client := newWSPair(t, func([]byte) {})

	require.NoError(t, ch.Send(protocol.EventLimitExceeded, LimitExceededNotice{MaxConnections: 10, Message: "connection limit exceeded"}))
	ch.ForceClose("connection limit exceeded")
	ch.ForceClose("again")

	assert.False(t, ch.Connected())
	assert.True(t, imErrors.Is(ch.Send(protocol.EventNotification, nil), imErrors.ErrChannelClosed))

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.EventLimitExceeded, env.Event)

	_, _, err = client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "connection limit exceeded", closeErr.Text)
}

func TestWebSocketChannel_ClientDisconnect(t *testing.T) {
	ch, client := newWSPair(t, func([]byte) {})

	require.NoError(t, client.Close())
	assert.Eventually(t, func() bool { return !ch.Connected() }, 5*time.Second, 20*time.Millisecond)
}

func TestConn_SendBufferFull(t *testing.T) {
	var c conn
	c.init(ChannelOptions{ID: 9, UserID: "alice", SendBuffer: 2, Logger: discardLogger()})

	require.NoError(t, c.enqueue(protocol.EventNotification, 1))
	require.NoError(t, c.enqueue(protocol.EventNotification, 2))
	err := c.enqueue(protocol.EventNotification, 3)
	assert.True(t, imErrors.Is(err, imErrors.ErrSendBufferFull))
}

func TestConn_IdleTimeout(t *testing.T) {
	var c conn
	c.init(ChannelOptions{ID: 9, UserID: "alice", IdleTimeout: time.Minute, Logger: discardLogger()})

	assert.True(t, c.alive())
	c.UpdateActive()
	assert.True(t, c.alive())

	c.lastActive.Store(time.Now().Add(-2 * time.Minute).UnixNano())
	assert.False(t, c.alive())

	// 空闲后通道已关闭，收到数据也不会复活
	c.UpdateActive()
	assert.False(t, c.alive())
	assert.False(t, c.markClosed("again"))
	assert.Equal(t, "idle timeout", c.closeReason())
	assert.True(t, imErrors.Is(c.enqueue(protocol.EventNotification, nil), imErrors.ErrChannelClosed))
}

func TestConn_MarkClosed(t *testing.T) {
	var c conn
	c.init(ChannelOptions{ID: 9, UserID: "alice", Logger: discardLogger()})

	assert.True(t, c.markClosed("bye"))
	assert.False(t, c.markClosed("again"))
	assert.False(t, c.alive())
	assert.Equal(t, "bye", c.closeReason())
}

func TestWebSocketChannel_IdleChannelClosedBySweep(t *testing.T) {
	ch, client := newWSPairWithIdle(t, func([]byte) {}, 100*time.Millisecond)

	m := NewManager(discardLogger())
	require.True(t, m.Register(ch, "alice"))

	time.Sleep(250 * time.Millisecond)
	result := NewSweeper(m, nil, discardLogger()).SweepOnce(context.Background())
	assert.Equal(t, 1, result.Stale)
	assert.False(t, m.IsOnline("alice"))

	// 客户端必须收到关闭，而不是留在一条已注销的连接上
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "idle timeout", closeErr.Text)
}
