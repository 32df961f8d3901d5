package connection

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsMaxPayloadBytes = 64 << 10
	wsPongWait        = 45 * time.Second
	wsPingPeriod      = 15 * time.Second
	wsWriteWait       = 10 * time.Second
)

// WebSocketChannel 基于 gorilla/websocket 的通道，消息为 JSON 文本帧
type WebSocketChannel struct {
	conn
	ws *websocket.Conn
}

// NewWebSocketChannel 创建通道并启动写协程
func NewWebSocketChannel(ws *websocket.Conn, opts ChannelOptions) *WebSocketChannel {
	c := &WebSocketChannel{ws: ws}
	c.init(opts)
	go c.writeLoop()
	return c
}

func (c *WebSocketChannel) Connected() bool {
	return c.alive()
}

func (c *WebSocketChannel) Send(event string, payload any) error {
	return c.enqueue(event, payload)
}

// ForceClose 已排队的消息会先写出，然后发送 close 帧
func (c *WebSocketChannel) ForceClose(reason string) {
	c.markClosed(reason)
}

// Serve 阻塞读取客户端消息，连接断开后返回
func (c *WebSocketChannel) Serve(handle func(raw []byte)) {
	defer c.markClosed("")

	c.ws.SetReadLimit(wsMaxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		c.UpdateActive()
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.ClosePolicyViolation) {
				c.logger.Debug("WebSocket read failed", "error", err)
			}
			return
		}
		c.UpdateActive()
		_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))

		if messageType != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}

func (c *WebSocketChannel) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case data := <-c.writeChan:
			if err := c.write(data); err != nil {
				c.logger.Debug("WebSocket write failed", "error", err)
				c.markClosed("")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.markClosed("")
				return
			}
		case <-c.closeChan:
			c.drain(c.write)
			return
		}
	}
}

func (c *WebSocketChannel) write(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *WebSocketChannel) shutdown() {
	code := websocket.CloseNormalClosure
	reason := c.closeReason()
	if reason != "" {
		code = websocket.ClosePolicyViolation
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	_ = c.ws.Close()
}
