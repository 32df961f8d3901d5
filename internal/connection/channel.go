package connection

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	imErrors "sudooom.im.realtime/internal/errors"
	"sudooom.im.realtime/internal/protocol"
)

const idleTimeoutReason = "idle timeout"

// Channel 一条已认证的双向连接
// 注册表只通过该接口与传输层交互
type Channel interface {
	ID() int64
	UserID() string
	RemoteAddr() string
	OpenedAt() time.Time
	// Connected 传输层是否仍然存活
	Connected() bool
	// Send 异步写入事件，不阻塞
	Send(event string, payload any) error
	// ForceClose 关闭连接，重复调用无副作用
	ForceClose(reason string)
}

// ChannelOptions 传输层通道的公共参数
type ChannelOptions struct {
	ID          int64
	UserID      string
	RemoteAddr  string
	SendBuffer  int
	IdleTimeout time.Duration // 超过该时间没有任何上行数据视为断开，0 表示不检查
	Logger      *slog.Logger
}

// conn WebSocket 与 WebTransport 共用的写队列和关闭逻辑
type conn struct {
	id          int64
	userID      string
	remoteAddr  string
	openedAt    time.Time
	idleTimeout time.Duration
	logger      *slog.Logger

	writeChan  chan []byte
	closeChan  chan struct{}
	closeOnce  sync.Once
	closed     atomic.Bool
	lastActive atomic.Int64
	reason     atomic.Value
}

func (c *conn) init(opts ChannelOptions) {
	size := opts.SendBuffer
	if size <= 0 {
		size = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c.id = opts.ID
	c.userID = opts.UserID
	c.remoteAddr = opts.RemoteAddr
	c.openedAt = time.Now()
	c.idleTimeout = opts.IdleTimeout
	c.logger = logger.With("conn_id", opts.ID, "user_id", opts.UserID)
	c.writeChan = make(chan []byte, size)
	c.closeChan = make(chan struct{})
	c.lastActive.Store(c.openedAt.UnixNano())
}

func (c *conn) ID() int64 {
	return c.id
}

func (c *conn) UserID() string {
	return c.userID
}

func (c *conn) RemoteAddr() string {
	return c.remoteAddr
}

func (c *conn) OpenedAt() time.Time {
	return c.openedAt
}

// UpdateActive 收到任何上行数据时调用
func (c *conn) UpdateActive() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *conn) LastActiveTime() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *conn) alive() bool {
	if c.closed.Load() {
		return false
	}
	if c.idleTimeout > 0 && time.Since(c.LastActiveTime()) > c.idleTimeout {
		// 空闲超时同时关闭传输层，客户端才会重连
		c.markClosed(idleTimeoutReason)
		return false
	}
	return true
}

// enqueue 写满时直接返回错误，不阻塞调用方
func (c *conn) enqueue(event string, payload any) error {
	if c.closed.Load() {
		return imErrors.ErrChannelClosed
	}
	data, err := protocol.EncodeEvent(event, payload)
	if err != nil {
		return err
	}
	select {
	case c.writeChan <- data:
		return nil
	case <-c.closeChan:
		return imErrors.ErrChannelClosed
	default:
		return imErrors.ErrSendBufferFull
	}
}

// markClosed 返回 true 表示本次调用完成了关闭
func (c *conn) markClosed(reason string) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.reason.Store(reason)
		c.closed.Store(true)
		close(c.closeChan)
	})
	return first
}

func (c *conn) closeReason() string {
	if r, ok := c.reason.Load().(string); ok {
		return r
	}
	return ""
}

// drain 关闭前尽量写出已排队的消息（例如连接数超限通知）
func (c *conn) drain(write func([]byte) error) {
	for {
		select {
		case data := <-c.writeChan:
			if err := write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}
