package nats

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher 发布接口，*Client 实现
type Publisher interface {
	Publish(subject string, data []byte) error
}

// PresenceEvent im.presence.event
type PresenceEvent struct {
	UserID string    `json:"userId"`
	Online bool      `json:"online"`
	NodeID string    `json:"nodeId"`
	At     time.Time `json:"at"`
}

// PresencePublisher 上下线事件发布，实现 connection.PresenceListener
type PresencePublisher struct {
	publisher Publisher
	nodeID    string
	logger    *slog.Logger
	now       func() time.Time
}

func NewPresencePublisher(publisher Publisher, nodeID string, logger *slog.Logger) *PresencePublisher {
	return &PresencePublisher{
		publisher: publisher,
		nodeID:    nodeID,
		logger:    logger,
		now:       time.Now,
	}
}

func (p *PresencePublisher) UserOnline(userID string) {
	p.publish(userID, true)
}

func (p *PresencePublisher) UserOffline(userID string) {
	p.publish(userID, false)
}

func (p *PresencePublisher) publish(userID string, online bool) {
	data, err := json.Marshal(PresenceEvent{
		UserID: userID,
		Online: online,
		NodeID: p.nodeID,
		At:     p.now().UTC(),
	})
	if err != nil {
		p.logger.Error("Failed to marshal presence event", "error", err)
		return
	}

	if err := p.publisher.Publish(SubjectPresenceEvent, data); err != nil {
		p.logger.Warn("Failed to publish presence event", "user_id", userID, "online", online, "error", err)
		return
	}
	p.logger.Debug("Published presence event", "user_id", userID, "online", online)
}

// PresenceSource 本节点注册表
type PresenceSource interface {
	IsOnline(userID string) bool
	ConnectionCount(userID string) int
	LastSeen(userID string) (time.Time, bool)
}

// PresenceQuery im.presence.query 请求
type PresenceQuery struct {
	UserID string `json:"userId"`
}

// PresenceReply 只反映本节点的视图，跨节点结果需要收集多个回复
type PresenceReply struct {
	UserID      string     `json:"userId"`
	NodeID      string     `json:"nodeId"`
	Online      bool       `json:"online"`
	Connections int        `json:"connections"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// QueryResponder 在线状态查询应答
type QueryResponder struct {
	client *Client
	source PresenceSource
	nodeID string
	logger *slog.Logger
	sub    *nats.Subscription
}

func NewQueryResponder(client *Client, source PresenceSource, nodeID string, logger *slog.Logger) *QueryResponder {
	return &QueryResponder{
		client: client,
		source: source,
		nodeID: nodeID,
		logger: logger.With("component", "presence_query"),
	}
}

// Start 订阅查询 Subject
func (r *QueryResponder) Start() error {
	sub, err := r.client.Subscribe(SubjectPresenceQuery, func(msg *nats.Msg) {
		if msg.Reply == "" {
			return
		}
		data, _ := json.Marshal(r.Answer(msg.Data))
		if err := msg.Respond(data); err != nil {
			r.logger.Warn("Failed to reply presence query", "error", err)
		}
	})
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

func (r *QueryResponder) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
}

// Answer 计算查询结果
func (r *QueryResponder) Answer(data []byte) PresenceReply {
	var q PresenceQuery
	if err := decode(data, &q); err != nil {
		return PresenceReply{NodeID: r.nodeID, Error: err.Error()}
	}
	if q.UserID == "" {
		return PresenceReply{NodeID: r.nodeID, Error: invalid("userId is required").Error()}
	}

	reply := PresenceReply{
		UserID:      q.UserID,
		NodeID:      r.nodeID,
		Online:      r.source.IsOnline(q.UserID),
		Connections: r.source.ConnectionCount(q.UserID),
	}
	if seen, ok := r.source.LastSeen(q.UserID); ok {
		reply.LastSeen = &seen
	}
	return reply
}
