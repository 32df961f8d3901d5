package focus

import (
	"log/slog"
	"sync"
	"time"
)

const DefaultQuietPeriod = 5 * time.Minute

// pair 抑制窗口的键，(接收者, 发送者) 有序
type pair struct {
	recipient string
	sender    string
}

// Tracker 会话焦点与通知抑制
//
// 用户正在查看与某人的会话时，不推送来自此人的通知；
// 否则同一 (接收者, 发送者) 在静默期内只推送第一条
type Tracker struct {
	focusMu sync.RWMutex
	focused map[string]map[string]struct{} // userID -> counterpartIDs

	windowMu sync.Mutex
	windows  map[pair]time.Time // 最后一次实际推送的时间

	quietPeriod time.Duration
	presence    PresenceChecker
	now         func() time.Time
	logger      *slog.Logger
}

// PresenceChecker 查询用户当前是否在线
type PresenceChecker interface {
	IsOnline(userID string) bool
}

type Option func(*Tracker)

// WithQuietPeriod 静默期，<= 0 使用默认 5 分钟
func WithQuietPeriod(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.quietPeriod = d
		}
	}
}

// WithPresence 下线回调到达时用户已重新上线则保留聚焦
func WithPresence(p PresenceChecker) Option {
	return func(t *Tracker) {
		t.presence = p
	}
}

// WithClock 替换时钟，用于测试
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

func NewTracker(logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		focused:     make(map[string]map[string]struct{}),
		windows:     make(map[pair]time.Time),
		quietPeriod: DefaultQuietPeriod,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) EnterConversation(userID, counterpartID string) {
	if userID == "" || counterpartID == "" {
		t.logger.Debug("Ignoring conversation enter with missing ids",
			"user_id", userID, "counterpart_id", counterpartID)
		return
	}

	t.focusMu.Lock()
	defer t.focusMu.Unlock()
	set, ok := t.focused[userID]
	if !ok {
		set = make(map[string]struct{})
		t.focused[userID] = set
	}
	set[counterpartID] = struct{}{}
}

func (t *Tracker) LeaveConversation(userID, counterpartID string) {
	if userID == "" || counterpartID == "" {
		t.logger.Debug("Ignoring conversation leave with missing ids",
			"user_id", userID, "counterpart_id", counterpartID)
		return
	}

	t.focusMu.Lock()
	defer t.focusMu.Unlock()
	set, ok := t.focused[userID]
	if !ok {
		return
	}
	delete(set, counterpartID)
	if len(set) == 0 {
		delete(t.focused, userID)
	}
}

// LeaveAll 清除用户的所有会话焦点，用户完全离线时调用
func (t *Tracker) LeaveAll(userID string) {
	if userID == "" {
		return
	}
	t.focusMu.Lock()
	defer t.focusMu.Unlock()
	delete(t.focused, userID)
}

func (t *Tracker) IsInActiveConversation(userID, counterpartID string) bool {
	if userID == "" || counterpartID == "" {
		return false
	}
	t.focusMu.RLock()
	defer t.focusMu.RUnlock()
	_, ok := t.focused[userID][counterpartID]
	return ok
}

// ActiveConversations 返回用户当前查看的会话对象
func (t *Tracker) ActiveConversations(userID string) []string {
	t.focusMu.RLock()
	defer t.focusMu.RUnlock()
	set := t.focused[userID]
	out := make([]string, 0, len(set))
	for cid := range set {
		out = append(out, cid)
	}
	return out
}

// ShouldNotify 判断是否推送 sender 发给 recipient 的消息通知
// 返回 true 时同时记录本次推送时间，检查与记录对同一对用户是原子的
func (t *Tracker) ShouldNotify(recipientID, senderID string) bool {
	if recipientID == "" || senderID == "" {
		t.logger.Debug("Ignoring notify check with missing ids",
			"recipient_id", recipientID, "sender_id", senderID)
		return false
	}

	if t.IsInActiveConversation(recipientID, senderID) {
		return false
	}

	key := pair{recipient: recipientID, sender: senderID}
	now := t.now()

	t.windowMu.Lock()
	defer t.windowMu.Unlock()
	if last, ok := t.windows[key]; ok && now.Sub(last) <= t.quietPeriod {
		return false
	}
	t.windows[key] = now
	return true
}

// ResetSuppression 接收者已读会话后调用，下一条消息一定推送
func (t *Tracker) ResetSuppression(userID, counterpartID string) {
	if userID == "" || counterpartID == "" {
		t.logger.Debug("Ignoring suppression reset with missing ids",
			"user_id", userID, "counterpart_id", counterpartID)
		return
	}
	t.windowMu.Lock()
	defer t.windowMu.Unlock()
	delete(t.windows, pair{recipient: userID, sender: counterpartID})
}

// CollectExpired 删除早于 maxAge 的抑制窗口，返回删除数量
func (t *Tracker) CollectExpired(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)

	t.windowMu.Lock()
	defer t.windowMu.Unlock()
	removed := 0
	for key, last := range t.windows {
		if last.Before(cutoff) {
			delete(t.windows, key)
			removed++
		}
	}
	return removed
}

// WindowCount 当前抑制窗口数量
func (t *Tracker) WindowCount() int {
	t.windowMu.Lock()
	defer t.windowMu.Unlock()
	return len(t.windows)
}

// UserOnline 实现 connection.PresenceListener
func (t *Tracker) UserOnline(string) {}

// UserOffline 实现 connection.PresenceListener
// 回调在注册表锁外执行，期间用户可能已重连并重新进入会话
func (t *Tracker) UserOffline(userID string) {
	if t.presence != nil && t.presence.IsOnline(userID) {
		t.logger.Debug("User back online before offline callback, keeping focus", "user_id", userID)
		return
	}
	t.LeaveAll(userID)
}
