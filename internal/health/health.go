package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const (
	StatusConnected     = "connected"
	StatusDisconnected  = "disconnected"
	StatusNotConfigured = "not configured"
)

// Status 健康状态
type Status struct {
	Service     string `json:"service"`
	NodeID      string `json:"node_id"`
	NATS        string `json:"nats"`
	Redis       string `json:"redis"`
	Sweeper     string `json:"sweeper"`
	Connections int    `json:"connections"`
	OnlineUsers int    `json:"online_users"`
	Uptime      string `json:"uptime"`
}

// ConnectionCounter 连接计数器接口
type ConnectionCounter interface {
	Count() int
	OnlineUsers() []string
}

// NATSConn NATS 连接状态
type NATSConn interface {
	IsConnected() bool
}

// Pinger Redis 连通性检查
type Pinger interface {
	Ping(ctx context.Context) error
}

// SweeperState 存活检测是否在运行
type SweeperState interface {
	Running() bool
}

// Checker 健康检查器，nats / redis / sweeper 均可为 nil
type Checker struct {
	nodeID      string
	nc          NATSConn
	redis       Pinger
	sweeper     SweeperState
	connCounter ConnectionCounter
	startTime   time.Time
}

// NewChecker 创建健康检查器
func NewChecker(nodeID string, nc NATSConn, redis Pinger, sweeper SweeperState, connCounter ConnectionCounter) *Checker {
	return &Checker{
		nodeID:      nodeID,
		nc:          nc,
		redis:       redis,
		sweeper:     sweeper,
		connCounter: connCounter,
		startTime:   time.Now(),
	}
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Service: "access",
		NodeID:  h.nodeID,
		Uptime:  time.Since(h.startTime).Truncate(time.Second).String(),
	}

	// 检查 NATS
	switch {
	case h.nc == nil:
		status.NATS = StatusNotConfigured
	case h.nc.IsConnected():
		status.NATS = StatusConnected
	default:
		status.NATS = StatusDisconnected
	}

	// 检查 Redis
	if h.redis != nil {
		redisCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		if err := h.redis.Ping(redisCtx); err == nil {
			status.Redis = StatusConnected
		} else {
			status.Redis = StatusDisconnected
		}
	} else {
		status.Redis = StatusNotConfigured
	}

	switch {
	case h.sweeper == nil:
		status.Sweeper = StatusNotConfigured
	case h.sweeper.Running():
		status.Sweeper = "running"
	default:
		status.Sweeper = "stopped"
	}

	// 连接数
	if h.connCounter != nil {
		status.Connections = h.connCounter.Count()
		status.OnlineUsers = len(h.connCounter.OnlineUsers())
	}

	return status
}

// IsHealthy 已配置的依赖都可用时为健康
func (s *Status) IsHealthy() bool {
	return s.NATS != StatusDisconnected && s.Redis != StatusDisconnected
}

// IsReady 健康且存活检测在运行
func (s *Status) IsReady() bool {
	return s.IsHealthy() && s.Sweeper != "stopped"
}

// ServeHTTP /health 端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())
	writeStatus(w, status, status.IsHealthy())
}

// ReadyHandler /ready 端点
func (h *Checker) ReadyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := h.Check(r.Context())
		writeStatus(w, status, status.IsReady())
	})
}

func writeStatus(w http.ResponseWriter, status *Status, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
