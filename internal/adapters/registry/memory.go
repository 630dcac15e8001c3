package registry

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"taskcoord/internal/coordinator"
)

var _ coordinator.Registry = (*MemoryRegistry)(nil)

// MemoryRegistry 是进程内注册表，用于本地调试与测试。
type MemoryRegistry struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryRegistry 创建空注册表。
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{values: make(map[string]string)}
}

// Set 写入或覆盖 key。
func (m *MemoryRegistry) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Get 读取 key，不存在时返回 coordinator.ErrNotFound。
func (m *MemoryRegistry) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return "", errors.Wrapf(coordinator.ErrNotFound, "registry key %s", key)
	}
	return v, nil
}
