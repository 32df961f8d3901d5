package nats

// NATS Subject 常量定义
const (
	// SubjectNotifyUser 推送给指定用户的所有通道
	SubjectNotifyUser = "im.notify.user"

	// SubjectNotifyMessage 新消息通知，受会话聚焦与静默期约束
	SubjectNotifyMessage = "im.notify.message"

	// SubjectNotifyBulk 推送给一组用户
	SubjectNotifyBulk = "im.notify.bulk"

	// SubjectNotifyBroadcast 推送给所有在线用户
	SubjectNotifyBroadcast = "im.notify.broadcast"

	// SubjectConversationRead 会话已读，重置静默期
	SubjectConversationRead = "im.conversation.read"

	// SubjectPresenceEvent Access -> 其他服务 上下线事件
	SubjectPresenceEvent = "im.presence.event"

	// SubjectPresenceQuery 在线状态查询 (request/reply)
	SubjectPresenceQuery = "im.presence.query"
)

// CommandSubjects 接入节点订阅的分发命令
//
// 每个节点只投递本地通道，所以不使用队列组，所有节点都要收到。
var CommandSubjects = []string{
	SubjectNotifyUser,
	SubjectNotifyMessage,
	SubjectNotifyBulk,
	SubjectNotifyBroadcast,
	SubjectConversationRead,
}
