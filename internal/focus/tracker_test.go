package focus

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker(clock *fakeClock) *Tracker {
	return NewTracker(slog.New(slog.NewJSONHandler(io.Discard, nil)), WithClock(clock.Now))
}

func TestTracker_EnterLeave(t *testing.T) {
	tr := newTestTracker(newFakeClock())

	tr.EnterConversation("A", "B")
	tr.EnterConversation("A", "B")
	tr.EnterConversation("A", "C")
	assert.True(t, tr.IsInActiveConversation("A", "B"))
	assert.True(t, tr.IsInActiveConversation("A", "C"))
	assert.False(t, tr.IsInActiveConversation("B", "A"), "focus is directional")
	assert.ElementsMatch(t, []string{"B", "C"}, tr.ActiveConversations("A"))

	tr.LeaveConversation("A", "B")
	tr.LeaveConversation("A", "B")
	assert.False(t, tr.IsInActiveConversation("A", "B"))
	assert.True(t, tr.IsInActiveConversation("A", "C"))

	tr.LeaveAll("A")
	assert.False(t, tr.IsInActiveConversation("A", "C"))
	assert.Empty(t, tr.ActiveConversations("A"))
}

func TestTracker_FocusedSuppressesEverything(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)
	tr.EnterConversation("A", "B")

	delivered := 0
	for i := 0; i < 5; i++ {
		if tr.ShouldNotify("A", "B") {
			delivered++
		}
		clock.Advance(time.Second)
	}
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, tr.WindowCount(), "focused checks do not open a window")

	// 其他发送者不受影响
	assert.True(t, tr.ShouldNotify("A", "C"))
}

func TestTracker_FirstNotificationAfterQuietPeriod(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	assert.True(t, tr.ShouldNotify("A", "B"), "t=0 delivered")

	clock.Advance(60 * time.Second)
	assert.False(t, tr.ShouldNotify("A", "B"), "t=60s suppressed")

	clock.Advance(340 * time.Second)
	assert.True(t, tr.ShouldNotify("A", "B"), "t=400s delivered")

	// 新窗口从 t=400s 开始
	clock.Advance(time.Minute)
	assert.False(t, tr.ShouldNotify("A", "B"))
}

func TestTracker_QuietPeriodBoundary(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	assert.True(t, tr.ShouldNotify("A", "B"))
	clock.Advance(DefaultQuietPeriod)
	assert.False(t, tr.ShouldNotify("A", "B"), "exactly at the quiet period is still inside")
	clock.Advance(time.Millisecond)
	assert.True(t, tr.ShouldNotify("A", "B"))
}

func TestTracker_ResetThenDeliver(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	assert.True(t, tr.ShouldNotify("A", "B"))
	clock.Advance(60 * time.Second)
	assert.False(t, tr.ShouldNotify("A", "B"))

	tr.ResetSuppression("A", "B")
	clock.Advance(30 * time.Second)
	assert.True(t, tr.ShouldNotify("A", "B"), "t=90s delivered after reset")
}

func TestTracker_WindowsArePerPair(t *testing.T) {
	tr := newTestTracker(newFakeClock())

	assert.True(t, tr.ShouldNotify("A", "B"))
	assert.True(t, tr.ShouldNotify("B", "A"))
	assert.True(t, tr.ShouldNotify("A", "C"))
	assert.False(t, tr.ShouldNotify("A", "B"))

	tr.ResetSuppression("B", "A")
	assert.False(t, tr.ShouldNotify("A", "B"), "reset only clears its own pair")
	assert.True(t, tr.ShouldNotify("B", "A"))
}

func TestTracker_CustomQuietPeriod(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(slog.New(slog.NewJSONHandler(io.Discard, nil)),
		WithClock(clock.Now), WithQuietPeriod(10*time.Second))

	assert.True(t, tr.ShouldNotify("A", "B"))
	clock.Advance(11 * time.Second)
	assert.True(t, tr.ShouldNotify("A", "B"))
}

func TestTracker_CollectExpired(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	tr.ShouldNotify("A", "B")
	clock.Advance(50 * time.Minute)
	tr.ShouldNotify("A", "C")
	clock.Advance(15 * time.Minute)

	assert.Equal(t, 1, tr.CollectExpired(time.Hour))
	assert.Equal(t, 1, tr.WindowCount())
	assert.Equal(t, 0, tr.CollectExpired(time.Hour))

	// 被回收的对立即可以再次推送
	assert.True(t, tr.ShouldNotify("A", "B"))
}

func TestTracker_ConcurrentSamePairDeliversOnce(t *testing.T) {
	tr := newTestTracker(newFakeClock())

	var delivered atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.ShouldNotify("A", "B") {
				delivered.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), delivered.Load())
}

func TestTracker_OfflineClearsFocus(t *testing.T) {
	tr := newTestTracker(newFakeClock())
	tr.EnterConversation("A", "B")

	tr.UserOnline("A")
	assert.True(t, tr.IsInActiveConversation("A", "B"))

	tr.UserOffline("A")
	assert.False(t, tr.IsInActiveConversation("A", "B"))
	assert.True(t, tr.ShouldNotify("A", "B"))
}

type onlineSet map[string]bool

func (s onlineSet) IsOnline(userID string) bool { return s[userID] }

func TestTracker_OfflineAfterReconnectKeepsFocus(t *testing.T) {
	online := onlineSet{}
	tr := NewTracker(slog.New(slog.NewJSONHandler(io.Discard, nil)), WithPresence(online))

	// 旧连接断开的回调晚于新连接的 conversation:enter
	online["A"] = true
	tr.EnterConversation("A", "B")
	tr.UserOffline("A")
	assert.True(t, tr.IsInActiveConversation("A", "B"))

	online["A"] = false
	tr.UserOffline("A")
	assert.False(t, tr.IsInActiveConversation("A", "B"))
}

func TestTracker_MissingIDsAreNoOps(t *testing.T) {
	tr := newTestTracker(newFakeClock())

	assert.NotPanics(t, func() {
		tr.EnterConversation("", "B")
		tr.EnterConversation("A", "")
		tr.LeaveConversation("", "")
		tr.LeaveConversation("ghost", "B")
		tr.LeaveAll("")
		tr.ResetSuppression("", "B")
		tr.ResetSuppression("ghost", "B")
	})

	assert.False(t, tr.IsInActiveConversation("", "B"))
	assert.False(t, tr.IsInActiveConversation("A", ""))
	assert.False(t, tr.ShouldNotify("", "B"))
	assert.False(t, tr.ShouldNotify("A", ""))
	assert.Equal(t, 0, tr.WindowCount())
	assert.Empty(t, tr.ActiveConversations(""))
}
