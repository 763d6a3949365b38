package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type recordKey struct {
	requestID  string
	capability string
}

// MemoryStore 以内存方式保存采集记录，主要用于测试与单机演示。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]*Record
	writes  int
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]*Record)}
}

// Write 实现 Store 接口。
func (m *MemoryStore) Write(ctx context.Context, record Record) (string, error) {
	if err := validateRecord(record); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	key := recordKey{requestID: record.RequestID, capability: record.Capability}
	if existing, ok := m.records[key]; ok {
		return existing.ID, nil
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StoredAt.IsZero() {
		record.StoredAt = time.Now().UTC()
	}
	m.records[key] = cloneRecord(&record)
	return record.ID, nil
}

// Get 返回单条记录。
func (m *MemoryStore) Get(_ context.Context, requestID, capability string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[recordKey{requestID: requestID, capability: capability}]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(record), nil
}

// List 返回某次请求的全部记录，按能力名排序。
func (m *MemoryStore) List(_ context.Context, requestID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for key, record := range m.records {
		if key.requestID == requestID {
			out = append(out, cloneRecord(record))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Capability < out[j].Capability })
	return out, nil
}

// Len 返回已保存的记录数量。
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Writes 返回 Write 被调用的次数，包括幂等命中的重复写入。
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
