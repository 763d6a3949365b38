// Package directory 实现插件在目录服务中的注册、续约与发现。
package directory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"daq-plugin/internal/auth"
	xerrors "daq-plugin/internal/errors"
)

// LivenessFactor 是目录条目 TTL 相对续约间隔的倍数。
const LivenessFactor = 2.5

// LivenessTTL 根据续约间隔计算目录条目的存活时间。
func LivenessTTL(interval time.Duration) time.Duration {
	return time.Duration(float64(interval) * LivenessFactor)
}

var (
	ErrAlreadyExists       = errors.New("directory: service already registered")
	ErrNotRegistered       = errors.New("directory: service not registered")
	ErrLeaseExpired        = errors.New("directory: lease expired")
	ErrCredentialsMismatch = errors.New("directory: credentials do not match registration")
)

const (
	CodeDirectoryUnreachable xerrors.Code = "DIRECTORY_UNREACHABLE"
)

func init() {
	xerrors.Register(CodeDirectoryUnreachable, xerrors.Attributes{
		Message:   "directory service unreachable",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// Descriptor 描述插件在目录中公布的信息。
type Descriptor struct {
	Name         string            `json:"name"`
	Type         string            `json:"type,omitempty"`
	Address      string            `json:"address"`
	HTTPAddress  string            `json:"http_address,omitempty"`
	Version      string            `json:"version,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// Validate 检查必填字段。
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "目录描述缺少 name")
	}
	if strings.TrimSpace(d.Address) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "目录描述缺少 address")
	}
	return nil
}

func (d Descriptor) clone() Descriptor {
	out := d
	out.Capabilities = append([]string(nil), d.Capabilities...)
	if d.Labels != nil {
		out.Labels = make(map[string]string, len(d.Labels))
		for k, v := range d.Labels {
			out.Labels[k] = v
		}
	}
	return out
}

// Lease 是一次成功注册得到的租约。
type Lease struct {
	Name      string
	Token     string
	TTL       time.Duration
	ExpiresAt time.Time
}

// Entry 是发现接口返回的目录条目。
type Entry struct {
	Descriptor   Descriptor `json:"descriptor"`
	GUID         string     `json:"guid"`
	RegisteredAt time.Time  `json:"registered_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

// Client 是目录服务的访问接口，由目录决定 TTL 与过期策略。
type Client interface {
	Register(ctx context.Context, desc Descriptor, creds auth.Credentials) (Lease, error)
	Renew(ctx context.Context, lease Lease) error
	Update(ctx context.Context, desc Descriptor, creds auth.Credentials) (Lease, error)
	Unregister(ctx context.Context, name string, creds auth.Credentials) error
	List(ctx context.Context) ([]Entry, error)
}

// secretDigest 目录只保存凭据摘要。
func secretDigest(creds auth.Credentials) string {
	sum := sha256.Sum256([]byte(creds.GUID + "\x00" + creds.Secret))
	return hex.EncodeToString(sum[:])
}
