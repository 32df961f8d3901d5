package connection

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	imErrors "sudooom.im.realtime/internal/errors"
	"sudooom.im.realtime/internal/protocol"
)

const DefaultMaxConnectionsPerUser = 10

// PresenceListener 用户上下线回调，在锁外调用
type PresenceListener interface {
	UserOnline(userID string)
	UserOffline(userID string)
}

// Stats 进程级连接统计
type Stats struct {
	TotalConnections    int64     `json:"totalConnections"`
	TotalDisconnections int64     `json:"totalDisconnections"`
	CurrentConnections  int       `json:"currentConnections"`
	StartTime           time.Time `json:"startTime"`
}

// LimitExceededNotice 被挤下线的通道收到的通知
type LimitExceededNotice struct {
	Code           int    `json:"code"`
	MaxConnections int    `json:"maxConnections"`
	Message        string `json:"message"`
}

// Binding 通道与所属用户
type Binding struct {
	Channel Channel
	UserID  string
}

type entry struct {
	ch     Channel
	userID string
	seq    uint64 // 注册顺序，淘汰时最小的先出
}

type presence struct {
	channels map[int64]*entry
	lastSeen time.Time
}

// Manager 在线状态注册表
// 维护 user -> channels 与 channel -> user 两个映射，单把锁保护
type Manager struct {
	channels   map[int64]*entry
	users      map[string]*presence
	seq        uint64
	maxPerUser int
	stats      Stats
	listeners  []PresenceListener
	logger     *slog.Logger
	now        func() time.Time
	mu         sync.RWMutex
}

type Option func(*Manager)

// WithMaxConnectionsPerUser 每个用户的通道上限，<= 0 使用默认值
func WithMaxConnectionsPerUser(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxPerUser = n
		}
	}
}

// WithClock 替换时钟，用于测试
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		channels:   make(map[int64]*entry),
		users:      make(map[string]*presence),
		maxPerUser: DefaultMaxConnectionsPerUser,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.stats.StartTime = m.now()
	return m
}

// AddListener 注册上下线回调，应在开始接受连接前调用
func (m *Manager) AddListener(l PresenceListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// MaxConnectionsPerUser 返回每个用户的通道上限
func (m *Manager) MaxConnectionsPerUser() int {
	return m.maxPerUser
}

// Register 将通道登记到用户名下
// 超过上限时按注册顺序淘汰最早的通道，被淘汰的通道先收到通知再被关闭
// 只有 userID 为空或 ch 为 nil 时返回 false
func (m *Manager) Register(ch Channel, userID string) bool {
	if ch == nil || userID == "" {
		return false
	}

	var (
		evicted   []*entry
		online    []string
		offline   []string
		listeners []PresenceListener
	)

	m.mu.Lock()
	if old, ok := m.channels[ch.ID()]; ok {
		if old.userID == userID {
			m.mu.Unlock()
			return true
		}
		// 通道只能属于一个用户
		if m.detachLocked(old) {
			offline = append(offline, old.userID)
		}
	}

	p, ok := m.users[userID]
	if !ok {
		p = &presence{channels: make(map[int64]*entry)}
		m.users[userID] = p
		online = append(online, userID)
	}

	m.seq++
	e := &entry{ch: ch, userID: userID, seq: m.seq}
	m.channels[ch.ID()] = e
	p.channels[ch.ID()] = e
	p.lastSeen = m.now()
	m.stats.TotalConnections++
	m.stats.CurrentConnections++

	if over := len(p.channels) - m.maxPerUser; over > 0 {
		evicted = oldest(p.channels, over)
		for _, victim := range evicted {
			m.detachLocked(victim)
		}
	}
	listeners = m.listeners
	m.mu.Unlock()

	for _, uid := range offline {
		m.notifyOffline(listeners, uid)
	}
	for _, uid := range online {
		m.notifyOnline(listeners, uid)
	}

	for _, victim := range evicted {
		m.logger.Info("Connection limit exceeded, evicting oldest channel",
			"user_id", userID,
			"conn_id", victim.ch.ID(),
			"new_conn_id", ch.ID(),
			"max_connections", m.maxPerUser)
		m.evict(victim.ch)
	}

	return true
}

func (m *Manager) evict(ch Channel) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic while evicting channel", "conn_id", ch.ID(), "panic", r)
		}
	}()

	notice := LimitExceededNotice{
		Code:           imErrors.ErrConnectionLimit.Code,
		MaxConnections: m.maxPerUser,
		Message:        imErrors.ErrConnectionLimit.Message,
	}
	if err := ch.Send(protocol.EventLimitExceeded, notice); err != nil {
		m.logger.Debug("Failed to send limit notice", "conn_id", ch.ID(), "error", err)
	}
	ch.ForceClose(notice.Message)
}

// oldest 按注册顺序返回最早的 n 个通道
func oldest(channels map[int64]*entry, n int) []*entry {
	all := make([]*entry, 0, len(channels))
	for _, e := range channels {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].seq < all[j].seq
	})
	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

// detachLocked 移除通道，返回用户是否因此离线
func (m *Manager) detachLocked(e *entry) bool {
	delete(m.channels, e.ch.ID())
	m.stats.TotalDisconnections++
	if m.stats.CurrentConnections > 0 {
		m.stats.CurrentConnections--
	}

	p, ok := m.users[e.userID]
	if !ok {
		return false
	}
	delete(p.channels, e.ch.ID())
	if len(p.channels) == 0 {
		delete(m.users, e.userID)
		return true
	}
	return false
}

// Remove 移除通道，重复调用或未知 ID 不做任何事
// 返回通道是否存在
func (m *Manager) Remove(channelID int64) bool {
	m.mu.Lock()
	e, ok := m.channels[channelID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	wentOffline := m.detachLocked(e)
	listeners := m.listeners
	m.mu.Unlock()

	if wentOffline {
		m.notifyOffline(listeners, e.userID)
	}
	return true
}

func (m *Manager) notifyOnline(listeners []PresenceListener, userID string) {
	for _, l := range listeners {
		func() {
			defer m.recoverListener(userID)
			l.UserOnline(userID)
		}()
	}
}

func (m *Manager) notifyOffline(listeners []PresenceListener, userID string) {
	for _, l := range listeners {
		func() {
			defer m.recoverListener(userID)
			l.UserOffline(userID)
		}()
	}
}

func (m *Manager) recoverListener(userID string) {
	if r := recover(); r != nil {
		m.logger.Error("Presence listener panic", "user_id", userID, "panic", r)
	}
}

func (m *Manager) IsOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[userID]
	return ok
}

func (m *Manager) ConnectionCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.users[userID]; ok {
		return len(p.channels)
	}
	return 0
}

// OnlineUsers 返回排序后的在线用户
func (m *Manager) OnlineUsers() []string {
	m.mu.RLock()
	users := make([]string, 0, len(m.users))
	for uid := range m.users {
		users = append(users, uid)
	}
	m.mu.RUnlock()

	sort.Strings(users)
	return users
}

func (m *Manager) TotalConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// Count 实现 health.ConnectionCounter
func (m *Manager) Count() int {
	return m.TotalConnectionCount()
}

// ChannelsFor 按注册顺序返回用户的通道快照
func (m *Manager) ChannelsFor(userID string) []Channel {
	m.mu.RLock()
	p, ok := m.users[userID]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	entries := oldest(p.channels, len(p.channels))
	m.mu.RUnlock()

	chs := make([]Channel, len(entries))
	for i, e := range entries {
		chs[i] = e.ch
	}
	return chs
}

// Get 返回通道，不存在时返回 nil
func (m *Manager) Get(channelID int64) Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.channels[channelID]; ok {
		return e.ch
	}
	return nil
}

// OwnerOf 返回通道所属用户
func (m *Manager) OwnerOf(channelID int64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.channels[channelID]; ok {
		return e.userID, true
	}
	return "", false
}

// Bindings 返回所有通道的快照（用于存活检测）
func (m *Manager) Bindings() []Binding {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bindings := make([]Binding, 0, len(m.channels))
	for _, e := range m.channels {
		bindings = append(bindings, Binding{Channel: e.ch, UserID: e.userID})
	}
	return bindings
}

// UpdateLastSeen 用户不在线时忽略
func (m *Manager) UpdateLastSeen(userID string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.users[userID]; ok && t.After(p.lastSeen) {
		p.lastSeen = t
	}
}

func (m *Manager) LastSeen(userID string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.users[userID]; ok {
		return p.lastSeen, true
	}
	return time.Time{}, false
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// ResetCurrentConnections 以存活检测确认的通道数重置 CurrentConnections，纠正漏掉的增减
func (m *Manager) ResetCurrentConnections(alive int) int {
	if alive < 0 {
		alive = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.CurrentConnections = alive
	return alive
}
