package connection

import (
	"errors"
	"io"
	"time"

	"github.com/quic-go/webtransport-go"
	"sudooom.im.realtime/internal/protocol"
)

const (
	wtWriteWait = 10 * time.Second

	// 会话关闭码
	CloseCodeNormal      webtransport.SessionErrorCode = 0
	CloseCodeAuthFailed  webtransport.SessionErrorCode = 4001
	CloseCodeForceClosed webtransport.SessionErrorCode = 4008
)

// WebTransportChannel 基于 WebTransport 会话的通道
// 客户端只使用首个双向流：先发送认证帧，之后是信号帧
type WebTransportChannel struct {
	conn
	session *webtransport.Session
	stream  *webtransport.Stream
}

// NewWebTransportChannel 在已认证的流上创建通道并启动写协程
func NewWebTransportChannel(session *webtransport.Session, stream *webtransport.Stream, opts ChannelOptions) *WebTransportChannel {
	c := &WebTransportChannel{
		session: session,
		stream:  stream,
	}
	c.init(opts)
	go c.writeLoop()
	return c
}

func (c *WebTransportChannel) Connected() bool {
	return c.alive() && c.session.Context().Err() == nil
}

func (c *WebTransportChannel) Send(event string, payload any) error {
	return c.enqueue(event, payload)
}

func (c *WebTransportChannel) ForceClose(reason string) {
	c.markClosed(reason)
}

// Serve 阻塞读取信号帧，流关闭后返回
func (c *WebTransportChannel) Serve(handle func(raw []byte)) {
	defer c.markClosed("")

	for {
		frameType, body, err := protocol.ReadFrame(c.stream)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("Failed to read frame", "error", err)
			}
			return
		}
		c.UpdateActive()

		switch frameType {
		case protocol.FrameTypeSignal:
			handle(body)
		case protocol.FrameTypeAuth:
			c.logger.Warn("Unexpected auth request after authentication")
		default:
			c.logger.Warn("Unknown frame type", "frame_type", frameType)
		}
	}
}

func (c *WebTransportChannel) writeLoop() {
	defer c.shutdown()

	for {
		select {
		case data := <-c.writeChan:
			if err := c.write(data); err != nil {
				c.logger.Debug("Failed to write to stream", "error", err)
				c.markClosed("")
				return
			}
		case <-c.closeChan:
			c.drain(c.write)
			return
		}
	}
}

func (c *WebTransportChannel) write(data []byte) error {
	_ = c.stream.SetWriteDeadline(time.Now().Add(wtWriteWait))
	return protocol.WriteFrame(c.stream, protocol.FrameTypeEvent, data)
}

func (c *WebTransportChannel) shutdown() {
	code := CloseCodeNormal
	reason := c.closeReason()
	if reason != "" {
		code = CloseCodeForceClosed
	}
	_ = c.stream.Close()
	if err := c.session.CloseWithError(code, reason); err != nil {
		c.logger.Debug("Failed to close session", "error", err)
	}
}
