package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultRedisChannel 是默认的发布频道。
const DefaultRedisChannel = "quizchain:runs"

// 事件编码格式。
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// RedisConfig 配置 Redis PUBLISH 通知。
type RedisConfig struct {
	URL      string
	Channel  string
	Encoding string
	Timeout  time.Duration
	Retries  int
	Backoff  time.Duration
}

// RedisNotifier 通过 PUBLISH 推送事件。
type RedisNotifier struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisNotifier 根据 redis:// URL 创建通知器。
func NewRedisNotifier(cfg RedisConfig) (*RedisNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis 通知地址不能为空")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("解析 redis 地址失败: %w", err)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisChannel
	}
	switch strings.ToLower(cfg.Encoding) {
	case "", EncodingJSON:
		cfg.Encoding = EncodingJSON
	case EncodingMsgpack:
		cfg.Encoding = EncodingMsgpack
	default:
		return nil, fmt.Errorf("不支持的事件编码: %s", cfg.Encoding)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries 必须 >= 0，当前为 %d", cfg.Retries)
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	return &RedisNotifier{cfg: cfg, client: redis.NewClient(opts)}, nil
}

// Channel 返回 redis 渠道。
func (n *RedisNotifier) Channel() Channel { return ChannelRedis }

// Notify 编码并发布事件。
func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := EncodeEvent(event, n.cfg.Encoding)
	if err != nil {
		return err
	}
	return retry(ctx, n.cfg.Retries, n.cfg.Backoff, func(ctx context.Context) (bool, error) {
		publishCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
		return true, n.client.Publish(publishCtx, n.cfg.Channel, payload).Err()
	})
}

// Close 关闭底层连接。
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// EncodeEvent 按指定格式编码事件，msgpack 沿用 json 字段名。
func EncodeEvent(event Event, encoding string) ([]byte, error) {
	if encoding == EncodingMsgpack {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		if err := enc.Encode(event); err != nil {
			return nil, fmt.Errorf("msgpack 编码事件失败: %w", err)
		}
		return buf.Bytes(), nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("json 编码事件失败: %w", err)
	}
	return body, nil
}

// DecodeEvent 是 EncodeEvent 的逆操作。
func DecodeEvent(data []byte, encoding string) (Event, error) {
	var event Event
	if encoding == EncodingMsgpack {
		dec := msgpack.NewDecoder(bytes.NewReader(data))
		dec.SetCustomStructTag("json")
		if err := dec.Decode(&event); err != nil {
			return Event{}, fmt.Errorf("msgpack 解码事件失败: %w", err)
		}
		return event, nil
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("json 解码事件失败: %w", err)
	}
	return event, nil
}
