package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// 帧头大小：4 bytes length + 1 byte frame type
	FrameHeaderSize = 5

	// 上行帧类型
	FrameTypeAuth   byte = 1 // 认证请求（AuthRequest）
	FrameTypeSignal byte = 2 // 客户端信号（Envelope）

	// 下行帧类型
	FrameTypeAuthAck byte = 3 // 认证响应（AuthAck）
	FrameTypeEvent   byte = 4 // 服务端事件（Envelope）

	// MaxFrameSize 单帧最大长度
	MaxFrameSize = 1 << 20
)

// 事件名
const (
	EventNotification      = "notification"
	EventLimitExceeded     = "connection:limit_exceeded"
	EventConversationEnter = "conversation:enter"
	EventConversationLeave = "conversation:leave"
	EventPing              = "ping"
	EventPong              = "pong"
	EventError             = "error"
	EventAuthenticated     = "authenticated"
)

var ErrFrameTooLarge = errors.New("frame too large")

// Envelope WebSocket 文本消息与 WebTransport 信号/事件帧的消息体
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AuthRequest WebTransport 首帧
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthAck 认证结果
type AuthAck struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	UserID    string `json:"user_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

// ConversationSignal conversation:enter / conversation:leave 的数据
type ConversationSignal struct {
	CounterpartID  string `json:"counterpartId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// ErrorPayload error 事件的数据
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// EncodeEvent 编码服务端事件，payload 原样放入 data
func EncodeEvent(event string, payload any) ([]byte, error) {
	env := struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{
		Event: event,
		Data:  payload,
	}
	return json.Marshal(env)
}

// DecodeEnvelope 解析客户端消息
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Event == "" {
		return nil, errors.New("event is required")
	}
	return &env, nil
}

// WriteFrame 写入带帧头的数据
func WriteFrame(w io.Writer, frameType byte, body []byte) error {
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	buf[4] = frameType
	copy(buf[FrameHeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

// ReadFrame 读取一帧
func ReadFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	frameType := header[4]
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("failed to read body: %w", err)
	}
	return frameType, body, nil
}
