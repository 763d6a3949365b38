package directory

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"daq-plugin/internal/auth"
)

// RedisConfig 描述 Redis 目录后端的连接参数。
type RedisConfig struct {
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// RedisDirectory 以 Redis 键保存目录条目，键过期即视为插件下线。
type RedisDirectory struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type redisRecord struct {
	Descriptor   Descriptor `json:"descriptor"`
	GUID         string     `json:"guid"`
	Digest       string     `json:"digest"`
	Token        string     `json:"token"`
	RegisteredAt time.Time  `json:"registered_at"`
}

// NewRedisDirectory 创建 Redis 目录客户端。
func NewRedisDirectory(ctx context.Context, cfg RedisConfig) (*RedisDirectory, error) {
	if cfg.Address == "" {
		return nil, stdErrors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisDirectory(client, cfg), nil
}

func newRedisDirectory(client *redis.Client, cfg RedisConfig) *RedisDirectory {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "daq:directory:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = LivenessTTL(30 * time.Second)
	}
	return &RedisDirectory{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisDirectory) key(name string) string { return r.prefix + name }

// Register 使用 SET NX 写入条目，已存在时返回 ErrAlreadyExists。
func (r *RedisDirectory) Register(ctx context.Context, desc Descriptor, creds auth.Credentials) (Lease, error) {
	if err := desc.Validate(); err != nil {
		return Lease{}, err
	}
	if err := creds.Validate(); err != nil {
		return Lease{}, err
	}
	rec := redisRecord{
		Descriptor:   desc,
		GUID:         creds.GUID,
		Digest:       secretDigest(creds),
		Token:        uuid.NewString(),
		RegisteredAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Lease{}, err
	}
	ok, err := r.client.SetNX(ctx, r.key(desc.Name), raw, r.ttl).Result()
	if err != nil {
		return Lease{}, fmt.Errorf("注册目录条目失败: %w", err)
	}
	if !ok {
		return Lease{}, ErrAlreadyExists
	}
	return r.lease(desc.Name, rec.Token), nil
}

// Renew 校验租约令牌后刷新过期时间。
func (r *RedisDirectory) Renew(ctx context.Context, lease Lease) error {
	rec, err := r.load(ctx, lease.Name)
	if stdErrors.Is(err, ErrNotRegistered) {
		return ErrLeaseExpired
	}
	if err != nil {
		return err
	}
	if rec.Token != lease.Token {
		return ErrLeaseExpired
	}
	ok, err := r.client.PExpire(ctx, r.key(lease.Name), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("续约目录条目失败: %w", err)
	}
	if !ok {
		return ErrLeaseExpired
	}
	return nil
}

// Update 覆盖已有条目，保留原租约令牌。
func (r *RedisDirectory) Update(ctx context.Context, desc Descriptor, creds auth.Credentials) (Lease, error) {
	if err := desc.Validate(); err != nil {
		return Lease{}, err
	}
	rec, err := r.load(ctx, desc.Name)
	if err != nil {
		return Lease{}, err
	}
	if rec.Digest != secretDigest(creds) {
		return Lease{}, ErrCredentialsMismatch
	}
	rec.Descriptor = desc
	raw, err := json.Marshal(rec)
	if err != nil {
		return Lease{}, err
	}
	ok, err := r.client.SetXX(ctx, r.key(desc.Name), raw, r.ttl).Result()
	if err != nil {
		return Lease{}, fmt.Errorf("更新目录条目失败: %w", err)
	}
	if !ok {
		return Lease{}, ErrNotRegistered
	}
	return r.lease(desc.Name, rec.Token), nil
}

// Unregister 校验凭据后删除条目。
func (r *RedisDirectory) Unregister(ctx context.Context, name string, creds auth.Credentials) error {
	rec, err := r.load(ctx, name)
	if err != nil {
		return err
	}
	if rec.Digest != secretDigest(creds) {
		return ErrCredentialsMismatch
	}
	if err := r.client.Del(ctx, r.key(name)).Err(); err != nil {
		return fmt.Errorf("删除目录条目失败: %w", err)
	}
	return nil
}

// List 通过 SCAN 遍历前缀下的全部条目。
func (r *RedisDirectory) List(ctx context.Context) ([]Entry, error) {
	var (
		cursor uint64
		out    []Entry
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("扫描目录失败: %w", err)
		}
		for _, key := range keys {
			name := strings.TrimPrefix(key, r.prefix)
			rec, err := r.load(ctx, name)
			if stdErrors.Is(err, ErrNotRegistered) {
				continue
			}
			if err != nil {
				return nil, err
			}
			ttl, err := r.client.PTTL(ctx, key).Result()
			if err != nil {
				return nil, fmt.Errorf("读取目录条目 TTL 失败: %w", err)
			}
			out = append(out, Entry{
				Descriptor:   rec.Descriptor,
				GUID:         rec.GUID,
				RegisteredAt: rec.RegisteredAt,
				ExpiresAt:    time.Now().Add(ttl).UTC(),
			})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.Name < out[j].Descriptor.Name })
	return out, nil
}

// Close 关闭 Redis 连接。
func (r *RedisDirectory) Close() error {
	return r.client.Close()
}

func (r *RedisDirectory) load(ctx context.Context, name string) (*redisRecord, error) {
	raw, err := r.client.Get(ctx, r.key(name)).Bytes()
	if stdErrors.Is(err, redis.Nil) {
		return nil, ErrNotRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("读取目录条目失败: %w", err)
	}
	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("解析目录条目失败: %w", err)
	}
	return &rec, nil
}

func (r *RedisDirectory) lease(name, token string) Lease {
	return Lease{Name: name, Token: token, TTL: r.ttl, ExpiresAt: time.Now().Add(r.ttl)}
}

var _ Client = (*RedisDirectory)(nil)
