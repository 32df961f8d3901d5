package nats

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"sudooom.im.realtime/internal/notify"
	"sudooom.im.realtime/internal/workerpool"
)

// Dispatcher 命令对应的通知分发
type Dispatcher interface {
	Dispatch(userID string, n notify.Notification) int
	DispatchMessageNotification(recipientID, senderID string, n notify.Notification) int
	DispatchToMany(userIDs []string, n notify.Notification) int
	DispatchToAll(n notify.Notification) int
}

// SuppressionResetter 会话已读时重置静默期
type SuppressionResetter interface {
	ResetSuppression(userID, counterpartID string)
}

// CommandRecorder 命令统计
type CommandRecorder interface {
	ObserveCommand(subject, result string)
}

const (
	commandOK      = "ok"
	commandInvalid = "invalid"
	commandDropped = "dropped"
)

// CommandSubscriber 订阅分发命令，交给 Worker Pool 处理
type CommandSubscriber struct {
	client     *Client
	dispatcher Dispatcher
	resetter   SuppressionResetter
	pool       *workerpool.Pool
	recorder   CommandRecorder
	logger     *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewCommandSubscriber recorder 可为 nil
func NewCommandSubscriber(client *Client, dispatcher Dispatcher, resetter SuppressionResetter, pool *workerpool.Pool, recorder CommandRecorder, logger *slog.Logger) *CommandSubscriber {
	return &CommandSubscriber{
		client:     client,
		dispatcher: dispatcher,
		resetter:   resetter,
		pool:       pool,
		recorder:   recorder,
		logger:     logger.With("component", "command_subscriber"),
	}
}

// Start 订阅所有命令 Subject
func (s *CommandSubscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, subject := range CommandSubjects {
		sub, err := s.client.Subscribe(subject, s.enqueue)
		if err != nil {
			s.unsubscribeLocked()
			return err
		}
		s.subs = append(s.subs, sub)
	}

	s.logger.Info("NATS command subscriber started", "subjects", CommandSubjects)
	return nil
}

// Stop 取消订阅，已入队的命令由 Worker Pool 关闭时处理完
func (s *CommandSubscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked()
	s.logger.Info("NATS command subscriber stopped")
}

func (s *CommandSubscriber) unsubscribeLocked() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe", "subject", sub.Subject, "error", err)
		}
	}
	s.subs = nil
}

// enqueue 在 NATS 回调协程中执行，不能阻塞
func (s *CommandSubscriber) enqueue(msg *nats.Msg) {
	ok := s.pool.TrySubmit(func() {
		delivered, err := s.Handle(msg.Subject, msg.Data)
		if msg.Reply == "" {
			return
		}
		reply := CommandReply{Delivered: delivered}
		if err != nil {
			reply.Error = err.Error()
		}
		data, _ := json.Marshal(reply)
		if err := msg.Respond(data); err != nil {
			s.logger.Warn("Failed to reply command", "subject", msg.Subject, "error", err)
		}
	})
	if !ok {
		s.observe(msg.Subject, commandDropped)
		s.logger.Warn("Worker pool full, dropping command", "subject", msg.Subject, "pending", s.pool.Pending())
	}
}

// Handle 解析并执行一条命令，返回投递成功的通道数
func (s *CommandSubscriber) Handle(subject string, data []byte) (int, error) {
	delivered, err := s.handle(subject, data)
	if err != nil {
		s.observe(subject, commandInvalid)
		s.logger.Warn("Rejected command", "subject", subject, "error", err)
		return 0, err
	}
	s.observe(subject, commandOK)
	return delivered, nil
}

func (s *CommandSubscriber) handle(subject string, data []byte) (int, error) {
	switch subject {
	case SubjectNotifyUser:
		var cmd NotifyUserCommand
		if err := decode(data, &cmd); err != nil {
			return 0, err
		}
		if cmd.UserID == "" {
			return 0, invalid("userId is required")
		}
		if err := requireNotification(cmd.Notification); err != nil {
			return 0, err
		}
		return s.dispatcher.Dispatch(cmd.UserID, cmd.Notification), nil

	case SubjectNotifyMessage:
		var cmd NotifyMessageCommand
		if err := decode(data, &cmd); err != nil {
			return 0, err
		}
		if cmd.RecipientID == "" || cmd.SenderID == "" {
			return 0, invalid("recipientId and senderId are required")
		}
		if err := requireNotification(cmd.Notification); err != nil {
			return 0, err
		}
		return s.dispatcher.DispatchMessageNotification(cmd.RecipientID, cmd.SenderID, cmd.Notification), nil

	case SubjectNotifyBulk:
		var cmd NotifyBulkCommand
		if err := decode(data, &cmd); err != nil {
			return 0, err
		}
		if err := requireNotification(cmd.Notification); err != nil {
			return 0, err
		}
		return s.dispatcher.DispatchToMany(cmd.UserIDs, cmd.Notification), nil

	case SubjectNotifyBroadcast:
		var cmd BroadcastCommand
		if err := decode(data, &cmd); err != nil {
			return 0, err
		}
		if err := requireNotification(cmd.Notification); err != nil {
			return 0, err
		}
		return s.dispatcher.DispatchToAll(cmd.Notification), nil

	case SubjectConversationRead:
		var cmd ConversationReadCommand
		if err := decode(data, &cmd); err != nil {
			return 0, err
		}
		if cmd.UserID == "" || cmd.CounterpartID == "" {
			return 0, invalid("userId and counterpartId are required")
		}
		s.resetter.ResetSuppression(cmd.UserID, cmd.CounterpartID)
		return 0, nil
	}

	return 0, invalid("unknown subject %q", subject)
}

func (s *CommandSubscriber) observe(subject, result string) {
	if s.recorder != nil {
		s.recorder.ObserveCommand(subject, result)
	}
}
