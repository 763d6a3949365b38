package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoCredentials 表示凭据提供方没有可用的凭据。
var ErrNoCredentials = errors.New("no credentials available")

// Credentials 是插件向目录服务注册时使用的身份凭据。
type Credentials struct {
	GUID   string `yaml:"guid" json:"guid" mapstructure:"guid"`
	Secret string `yaml:"secret" json:"secret" mapstructure:"secret"`
}

// Validate 确认凭据字段齐全。
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.GUID) == "" || strings.TrimSpace(c.Secret) == "" {
		return ErrNoCredentials
	}
	return nil
}

// Equal 比较两份凭据是否一致。
func (c Credentials) Equal(other Credentials) bool {
	return c.GUID == other.GUID && c.Secret == other.Secret
}

// String 隐藏 Secret，避免凭据进入日志。
func (c Credentials) String() string {
	return "guid=" + c.GUID + " secret=***"
}

// Provider 为目录注册提供凭据，实现必须并发安全。
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticProvider 返回固定凭据。
type StaticProvider struct {
	creds Credentials
}

// NewStaticProvider 创建 StaticProvider。
func NewStaticProvider(creds Credentials) *StaticProvider {
	return &StaticProvider{creds: creds}
}

// Credentials 实现 Provider 接口。
func (p *StaticProvider) Credentials(context.Context) (Credentials, error) {
	if err := p.creds.Validate(); err != nil {
		return Credentials{}, err
	}
	return p.creds, nil
}

// FileProvider 从 YAML/JSON 文件读取凭据，文件修改后自动重新加载。
type FileProvider struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	cached  Credentials
}

// NewFileProvider 创建 FileProvider。
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Credentials 实现 Provider 接口。
func (p *FileProvider) Credentials(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	info, err := os.Stat(p.path)
	if err != nil {
		return Credentials{}, fmt.Errorf("stat credentials file: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.modTime.IsZero() && info.ModTime().Equal(p.modTime) {
		return p.cached, nil
	}
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials file: %w", err)
	}
	var creds Credentials
	// YAML 是 JSON 的超集，两种格式都可直接解析。
	if err := yaml.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials file: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return Credentials{}, fmt.Errorf("credentials file %s: %w", p.path, err)
	}
	p.cached = creds
	p.modTime = info.ModTime()
	return creds, nil
}

var (
	_ Provider = (*StaticProvider)(nil)
	_ Provider = (*FileProvider)(nil)
)
