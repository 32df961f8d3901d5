package handler

import (
	"encoding/json"
	"log/slog"

	"golang.org/x/time/rate"
	"sudooom.im.realtime/internal/connection"
	apperrors "sudooom.im.realtime/internal/errors"
	"sudooom.im.realtime/internal/protocol"
)

const (
	ResultOK          = "ok"
	ResultInvalid     = "invalid"
	ResultRateLimited = "rate_limited"
	ResultPanic       = "panic"

	// 未知事件统一记为 unknown，避免指标标签无限增长
	eventUnknown = "unknown"
)

// FocusTracker 会话聚焦状态
type FocusTracker interface {
	EnterConversation(userID, counterpartID string)
	LeaveConversation(userID, counterpartID string)
}

// SignalRecorder 信号统计
type SignalRecorder interface {
	ObserveSignal(event, result string)
}

// Handler 处理已认证通道上的客户端信号
type Handler struct {
	focus    FocusTracker
	recorder SignalRecorder
	limit    rate.Limit
	burst    int
	logger   *slog.Logger
}

// NewHandler signalRate <= 0 时不限速，recorder 可为 nil
func NewHandler(focus FocusTracker, signalRate float64, signalBurst int, recorder SignalRecorder, logger *slog.Logger) *Handler {
	limit := rate.Inf
	if signalRate > 0 {
		limit = rate.Limit(signalRate)
	}
	if signalBurst <= 0 {
		signalBurst = 1
	}
	return &Handler{
		focus:    focus,
		recorder: recorder,
		limit:    limit,
		burst:    signalBurst,
		logger:   logger,
	}
}

// ForChannel 返回通道读循环使用的处理函数，每个通道独立限速
func (h *Handler) ForChannel(ch connection.Channel, userID string) func(raw []byte) {
	limiter := rate.NewLimiter(h.limit, h.burst)
	logger := h.logger.With("conn_id", ch.ID(), "user_id", userID)

	return func(raw []byte) {
		if !limiter.Allow() {
			h.observe(eventUnknown, ResultRateLimited)
			h.reply(ch, logger, apperrors.ErrTooManyRequest)
			return
		}
		h.handleSafe(ch, userID, logger, raw)
	}
}

// handleSafe 单条信号的异常不能终止通道读循环
func (h *Handler) handleSafe(ch connection.Channel, userID string, logger *slog.Logger, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while handling client signal", "panic", r)
			h.observe(eventUnknown, ResultPanic)
			h.reply(ch, logger, apperrors.ErrServerError)
		}
	}()
	h.handle(ch, userID, logger, raw)
}

func (h *Handler) handle(ch connection.Channel, userID string, logger *slog.Logger, raw []byte) {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		h.observe(eventUnknown, ResultInvalid)
		logger.Debug("Invalid client signal", "error", err)
		h.reply(ch, logger, apperrors.ErrInvalidRequest)
		return
	}

	switch env.Event {
	case protocol.EventConversationEnter, protocol.EventConversationLeave:
		var signal protocol.ConversationSignal
		if len(env.Data) == 0 || json.Unmarshal(env.Data, &signal) != nil || signal.CounterpartID == "" {
			h.observe(env.Event, ResultInvalid)
			h.reply(ch, logger, apperrors.ErrInvalidRequest)
			return
		}

		// conversationId 只用于日志，聚焦按 (用户, 对方) 记录
		if env.Event == protocol.EventConversationEnter {
			h.focus.EnterConversation(userID, signal.CounterpartID)
		} else {
			h.focus.LeaveConversation(userID, signal.CounterpartID)
		}
		h.observe(env.Event, ResultOK)
		logger.Debug("Conversation focus changed",
			"event", env.Event,
			"counterpart_id", signal.CounterpartID,
			"conversation_id", signal.ConversationID)

	case protocol.EventPing:
		h.observe(env.Event, ResultOK)
		var echo any
		if len(env.Data) > 0 {
			echo = env.Data
		}
		if err := ch.Send(protocol.EventPong, echo); err != nil {
			logger.Debug("Failed to send pong", "error", err)
		}

	default:
		h.observe(eventUnknown, ResultInvalid)
		logger.Debug("Unknown client event", "event", env.Event)
		h.reply(ch, logger, apperrors.ErrUnknownEvent)
	}
}

func (h *Handler) reply(ch connection.Channel, logger *slog.Logger, appErr *apperrors.AppError) {
	payload := protocol.ErrorPayload{Code: appErr.Code, Message: appErr.Message}
	if err := ch.Send(protocol.EventError, payload); err != nil {
		logger.Debug("Failed to send error event", "code", appErr.Code, "error", err)
	}
}

func (h *Handler) observe(event, result string) {
	if h.recorder != nil {
		h.recorder.ObserveSignal(event, result)
	}
}
