package redis

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"sudooom.im.realtime/internal/config"
)

const (
	// PresenceKeyPrefix 在线状态 Key 前缀
	// Key: im:presence:{userId}  Hash: {nodeId} -> 最近确认时间 (unix ms)
	PresenceKeyPrefix = "im:presence:"

	// DefaultPresenceTTL 由存活检测周期续期
	DefaultPresenceTTL = 90 * time.Second

	opTimeout = 2 * time.Second
)

// BuildPresenceKey 构建在线状态 Key
func BuildPresenceKey(userID string) string {
	return PresenceKeyPrefix + userID
}

// Client Redis 在线状态镜像
//
// 本节点的注册表是权威数据，Redis 只用于跨节点查询，写失败只记录日志。
type Client struct {
	client *redis.Client
	nodeID string
	ttl    time.Duration
	logger *slog.Logger
}

// NewClient 创建 Redis 客户端
func NewClient(cfg config.RedisConfig, nodeID string, ttl time.Duration, logger *slog.Logger) *Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client: client,
		nodeID: nodeID,
		ttl:    ttl,
		logger: logger.With("component", "presence_mirror"),
	}
}

// MarkOnline 记录用户在本节点在线
func (c *Client) MarkOnline(ctx context.Context, userID string) error {
	key := BuildPresenceKey(userID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, c.nodeID, time.Now().UnixMilli())
	pipe.Expire(ctx, key, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// MarkOffline 移除本节点对该用户的记录
func (c *Client) MarkOffline(ctx context.Context, userID string) error {
	return c.client.HDel(ctx, BuildPresenceKey(userID), c.nodeID).Err()
}

// Refresh 批量续期本节点的在线用户
func (c *Client) Refresh(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	pipe := c.client.Pipeline()
	for _, userID := range userIDs {
		key := BuildPresenceKey(userID)
		pipe.HSet(ctx, key, c.nodeID, now)
		pipe.Expire(ctx, key, c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Nodes 返回用户当前在线的节点
func (c *Client) Nodes(ctx context.Context, userID string) ([]string, error) {
	entries, err := c.client.HGetAll(ctx, BuildPresenceKey(userID)).Result()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-c.ttl).UnixMilli()
	nodes := make([]string, 0, len(entries))
	for node, seen := range entries {
		ms, err := strconv.ParseInt(seen, 10, 64)
		if err != nil || ms < cutoff {
			continue
		}
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	return nodes, nil
}

// UserOnline 实现 connection.PresenceListener
func (c *Client) UserOnline(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := c.MarkOnline(ctx, userID); err != nil {
		c.logger.Warn("Failed to mirror user online", "user_id", userID, "error", err)
	}
}

// UserOffline 实现 connection.PresenceListener
func (c *Client) UserOffline(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := c.MarkOffline(ctx, userID); err != nil {
		c.logger.Warn("Failed to mirror user offline", "user_id", userID, "error", err)
	}
}

// RefreshHook 作为 connection.AliveHook 使用
func (c *Client) RefreshHook(ctx context.Context, userIDs []string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.Refresh(ctx, userIDs); err != nil {
		c.logger.Warn("Failed to refresh presence", "users", len(userIDs), "error", err)
	}
}

// Ping 检查 Redis 连接
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close 关闭连接
func (c *Client) Close() error {
	return c.client.Close()
}
