package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"daq-plugin/internal/auth"
)

type memoryRecord struct {
	desc         Descriptor
	guid         string
	digest       string
	token        string
	registeredAt time.Time
	expiresAt    time.Time
}

// MemoryDirectory 是进程内目录实现，用于单机部署与测试。
type MemoryDirectory struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]*memoryRecord
	now     func() time.Time
}

// NewMemoryDirectory 创建条目存活时间为 ttl 的内存目录。
func NewMemoryDirectory(ttl time.Duration) *MemoryDirectory {
	if ttl <= 0 {
		ttl = LivenessTTL(30 * time.Second)
	}
	return &MemoryDirectory{ttl: ttl, records: make(map[string]*memoryRecord), now: time.Now}
}

// Register 实现 Client 接口。
func (m *MemoryDirectory) Register(ctx context.Context, desc Descriptor, creds auth.Credentials) (Lease, error) {
	if err := desc.Validate(); err != nil {
		return Lease{}, err
	}
	if err := creds.Validate(); err != nil {
		return Lease{}, err
	}
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked()
	if _, exists := m.records[desc.Name]; exists {
		return Lease{}, ErrAlreadyExists
	}
	now := m.now()
	rec := &memoryRecord{
		desc:         desc.clone(),
		guid:         creds.GUID,
		digest:       secretDigest(creds),
		token:        uuid.NewString(),
		registeredAt: now,
		expiresAt:    now.Add(m.ttl),
	}
	m.records[desc.Name] = rec
	return m.leaseLocked(rec), nil
}

// Renew 实现 Client 接口。
func (m *MemoryDirectory) Renew(ctx context.Context, lease Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked()
	rec, ok := m.records[lease.Name]
	if !ok || rec.token != lease.Token {
		return ErrLeaseExpired
	}
	rec.expiresAt = m.now().Add(m.ttl)
	return nil
}

// Update 实现 Client 接口，凭据必须与注册时一致。
func (m *MemoryDirectory) Update(ctx context.Context, desc Descriptor, creds auth.Credentials) (Lease, error) {
	if err := desc.Validate(); err != nil {
		return Lease{}, err
	}
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked()
	rec, ok := m.records[desc.Name]
	if !ok {
		return Lease{}, ErrNotRegistered
	}
	if rec.digest != secretDigest(creds) {
		return Lease{}, ErrCredentialsMismatch
	}
	rec.desc = desc.clone()
	rec.expiresAt = m.now().Add(m.ttl)
	return m.leaseLocked(rec), nil
}

// Unregister 实现 Client 接口。
func (m *MemoryDirectory) Unregister(ctx context.Context, name string, creds auth.Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked()
	rec, ok := m.records[name]
	if !ok {
		return ErrNotRegistered
	}
	if rec.digest != secretDigest(creds) {
		return ErrCredentialsMismatch
	}
	delete(m.records, name)
	return nil
}

// List 返回未过期的条目，按名称排序。
func (m *MemoryDirectory) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked()
	out := make([]Entry, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, Entry{
			Descriptor:   rec.desc.clone(),
			GUID:         rec.guid,
			RegisteredAt: rec.registeredAt,
			ExpiresAt:    rec.expiresAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.Name < out[j].Descriptor.Name })
	return out, nil
}

func (m *MemoryDirectory) purgeLocked() {
	now := m.now()
	for name, rec := range m.records {
		if !now.Before(rec.expiresAt) {
			delete(m.records, name)
		}
	}
}

func (m *MemoryDirectory) leaseLocked(rec *memoryRecord) Lease {
	return Lease{Name: rec.desc.Name, Token: rec.token, TTL: m.ttl, ExpiresAt: rec.expiresAt}
}

var _ Client = (*MemoryDirectory)(nil)
