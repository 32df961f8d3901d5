package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSweepInterval  = 30 * time.Second
	DefaultFocusRetention = time.Hour
)

// FocusCollector 清理过期的通知抑制窗口
type FocusCollector interface {
	CollectExpired(maxAge time.Duration) int
}

// AliveHook 每轮检测后以存活用户调用，例如刷新 Redis TTL
type AliveHook func(ctx context.Context, userIDs []string)

// SweepRecorder 记录每轮检测结果
type SweepRecorder interface {
	ObserveSweep(result SweepResult)
}

// SweepResult 一轮存活检测的结果
type SweepResult struct {
	Checked   int
	Alive     int
	Stale     int
	Failed    int
	Current   int
	Collected int
	Duration  time.Duration
}

// Sweeper 周期性地对照传输层检查注册表，清理静默断开的通道
type Sweeper struct {
	manager   *Manager
	focus     FocusCollector
	interval  time.Duration
	retention time.Duration
	aliveHook AliveHook
	recorder  SweepRecorder
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

type SweeperOption func(*Sweeper)

func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithFocusRetention 抑制窗口保留时长
func WithFocusRetention(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.retention = d
		}
	}
}

func WithAliveHook(hook AliveHook) SweeperOption {
	return func(s *Sweeper) {
		s.aliveHook = hook
	}
}

func WithSweepRecorder(r SweepRecorder) SweeperOption {
	return func(s *Sweeper) {
		s.recorder = r
	}
}

func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		s.now = now
	}
}

// NewSweeper focus 可为 nil
func NewSweeper(manager *Manager, focus FocusCollector, logger *slog.Logger, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		manager:   manager,
		focus:     focus,
		interval:  DefaultSweepInterval,
		retention: DefaultFocusRetention,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 启动周期检测，已启动时直接返回
// 上一轮未结束时跳过本轮，同一时刻最多一轮在执行
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger: s.logger}
	c := cron.New(cron.WithLogger(cl))
	job := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
		s.SweepOnce(ctx)
	}))
	c.Schedule(cron.Every(s.interval), job)
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.running = true
	s.logger.Info("Liveness sweeper started", "interval", s.interval, "retention", s.retention)
}

// Stop 停止并等待正在执行的一轮结束，不清理注册表；可再次 Start
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	s.cancel()
	<-s.cron.Stop().Done()
	s.cron = nil
	s.cancel = nil
	s.running = false
	s.logger.Info("Liveness sweeper stopped")
}

func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SweepOnce 执行一轮检测
func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	start := s.now()
	var result SweepResult

	aliveUsers := make(map[string]struct{})
	for _, b := range s.manager.Bindings() {
		result.Checked++
		alive, ok := s.check(b)
		switch {
		case !ok:
			result.Failed++
		case alive:
			result.Alive++
			aliveUsers[b.UserID] = struct{}{}
		default:
			if s.manager.Remove(b.Channel.ID()) {
				result.Stale++
				s.logger.Info("Removed stale channel", "conn_id", b.Channel.ID(), "user_id", b.UserID)
			}
			s.closeStale(b)
		}
	}

	for uid := range aliveUsers {
		s.manager.UpdateLastSeen(uid, start)
	}

	// 检测异常的通道不计入
	result.Current = s.manager.ResetCurrentConnections(result.Alive)

	if s.focus != nil {
		result.Collected = s.collect()
	}

	if s.aliveHook != nil && len(aliveUsers) > 0 {
		users := make([]string, 0, len(aliveUsers))
		for uid := range aliveUsers {
			users = append(users, uid)
		}
		s.runHook(ctx, users)
	}

	result.Duration = s.now().Sub(start)
	if s.recorder != nil {
		s.recorder.ObserveSweep(result)
	}
	if result.Stale > 0 || result.Failed > 0 {
		s.logger.Info("Sweep completed",
			"checked", result.Checked,
			"stale", result.Stale,
			"failed", result.Failed,
			"current", result.Current,
			"collected", result.Collected)
	} else {
		s.logger.Debug("Sweep completed",
			"checked", result.Checked,
			"current", result.Current,
			"collected", result.Collected)
	}
	return result
}

// check 返回 (是否存活, 是否检测成功)，单个通道的异常不影响其他通道
func (s *Sweeper) check(b Binding) (alive bool, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Channel liveness check panicked", "user_id", b.UserID, "panic", r)
			alive, ok = false, false
		}
	}()
	return b.Channel.Connected(), true
}

// closeStale 关闭已移除的通道，仍然打开的传输层会收到关闭
func (s *Sweeper) closeStale(b Binding) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Closing stale channel panicked", "user_id", b.UserID, "panic", r)
		}
	}()
	b.Channel.ForceClose("liveness check failed")
}

func (s *Sweeper) collect() (n int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Focus collection panicked", "panic", r)
		}
	}()
	return s.focus.CollectExpired(s.retention)
}

func (s *Sweeper) runHook(ctx context.Context, users []string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Alive hook panicked", "panic", r)
		}
	}()
	s.aliveHook(ctx, users)
}

// cronLogger 将 cron 日志转到 slog
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
