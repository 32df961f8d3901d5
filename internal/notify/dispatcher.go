package notify

import (
	"log/slog"

	"sudooom.im.realtime/internal/connection"
	"sudooom.im.realtime/internal/protocol"
)

// Notification 调用方提供的通知内容，至少包含 type 字段，原样下发
type Notification map[string]any

// Type 返回通知类型
func (n Notification) Type() string {
	if t, ok := n["type"].(string); ok {
		return t
	}
	return ""
}

// Registry 通知分发依赖的在线状态查询
type Registry interface {
	ChannelsFor(userID string) []connection.Channel
	OnlineUsers() []string
}

// Suppressor 会话通知抑制策略
type Suppressor interface {
	ShouldNotify(recipientID, senderID string) bool
}

// Recorder 分发结果统计
type Recorder interface {
	ObserveDelivery(result string)
}

const (
	ResultDelivered  = "delivered"
	ResultFailed     = "failed"
	ResultSuppressed = "suppressed"
	ResultOffline    = "offline"
)

// Dispatcher 通知扇出，不持有状态
type Dispatcher struct {
	registry   Registry
	suppressor Suppressor
	recorder   Recorder
	logger     *slog.Logger
}

// NewDispatcher recorder 可为 nil
func NewDispatcher(registry Registry, suppressor Suppressor, logger *slog.Logger, recorder Recorder) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		suppressor: suppressor,
		recorder:   recorder,
		logger:     logger,
	}
}

// Dispatch 推送到用户的所有在线通道，不做抑制判断
// 返回写入成功的通道数
func (d *Dispatcher) Dispatch(userID string, n Notification) int {
	if userID == "" {
		d.logger.Debug("Ignoring dispatch without user id", "type", n.Type())
		return 0
	}

	channels := d.registry.ChannelsFor(userID)
	if len(channels) == 0 {
		d.observe(ResultOffline)
		d.logger.Debug("No live channels for user, notification dropped",
			"user_id", userID,
			"type", n.Type())
		return 0
	}

	delivered := 0
	for _, ch := range channels {
		if d.send(ch, userID, n) {
			delivered++
		}
	}
	return delivered
}

// send 单个通道失败不影响其他通道
func (d *Dispatcher) send(ch connection.Channel, userID string, n Notification) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.observe(ResultFailed)
			d.logger.Error("Panic while delivering notification",
				"user_id", userID,
				"conn_id", ch.ID(),
				"panic", r)
			ok = false
		}
	}()

	if err := ch.Send(protocol.EventNotification, n); err != nil {
		d.observe(ResultFailed)
		d.logger.Warn("Failed to deliver notification",
			"user_id", userID,
			"conn_id", ch.ID(),
			"type", n.Type(),
			"error", err)
		return false
	}
	d.observe(ResultDelivered)
	return true
}

// DispatchMessageNotification 新消息通知，先经过会话抑制判断
func (d *Dispatcher) DispatchMessageNotification(recipientID, senderID string, n Notification) int {
	if !d.suppressor.ShouldNotify(recipientID, senderID) {
		d.observe(ResultSuppressed)
		d.logger.Debug("Message notification suppressed",
			"recipient_id", recipientID,
			"sender_id", senderID)
		return 0
	}
	return d.Dispatch(recipientID, n)
}

// DispatchToMany 逐个用户推送，某个用户失败不影响其余用户
func (d *Dispatcher) DispatchToMany(userIDs []string, n Notification) int {
	delivered := 0
	for _, uid := range userIDs {
		delivered += d.dispatchSafe(uid, n)
	}
	return delivered
}

// DispatchToAll 推送给所有在线用户
func (d *Dispatcher) DispatchToAll(n Notification) int {
	return d.DispatchToMany(d.registry.OnlineUsers(), n)
}

func (d *Dispatcher) dispatchSafe(userID string, n Notification) (delivered int) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic while dispatching notification", "user_id", userID, "panic", r)
			delivered = 0
		}
	}()
	return d.Dispatch(userID, n)
}

func (d *Dispatcher) observe(result string) {
	if d.recorder != nil {
		d.recorder.ObserveDelivery(result)
	}
}
