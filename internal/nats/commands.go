package nats

import (
	"encoding/json"
	"fmt"

	apperrors "sudooom.im.realtime/internal/errors"
	"sudooom.im.realtime/internal/notify"
)

// NotifyUserCommand im.notify.user
type NotifyUserCommand struct {
	UserID       string              `json:"userId"`
	Notification notify.Notification `json:"notification"`
}

// NotifyMessageCommand im.notify.message
type NotifyMessageCommand struct {
	RecipientID  string              `json:"recipientId"`
	SenderID     string              `json:"senderId"`
	Notification notify.Notification `json:"notification"`
}

// NotifyBulkCommand im.notify.bulk
type NotifyBulkCommand struct {
	UserIDs      []string            `json:"userIds"`
	Notification notify.Notification `json:"notification"`
}

// BroadcastCommand im.notify.broadcast
type BroadcastCommand struct {
	Notification notify.Notification `json:"notification"`
}

// ConversationReadCommand im.conversation.read
type ConversationReadCommand struct {
	UserID        string `json:"userId"`
	CounterpartID string `json:"counterpartId"`
}

// CommandReply 带 reply subject 的命令会收到投递结果
type CommandReply struct {
	Delivered int    `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.ErrInvalidRequest.Wrap(err)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return apperrors.ErrInvalidRequest.Wrap(fmt.Errorf(format, args...))
}

func requireNotification(n notify.Notification) error {
	if len(n) == 0 {
		return invalid("notification is required")
	}
	return nil
}
