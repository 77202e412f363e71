package engine

import (
	"context"
	"sync"
)

// Cache 抽象引擎对外的能力集合，磁盘实现与内存实现互为平级替身。
type Cache interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
	Remove(key string)
	RemoveAll() error
	StorageLocation(key string) (string, bool)
}

var (
	_ Cache = (*Engine)(nil)
	_ Cache = (*Memory)(nil)
)

// Memory 是纯内存实现：预置即命中，无过期、无容量淘汰、无任何 I/O。
// 用于测试脚本化与预览场景，语义刻意保持简单。
type Memory struct {
	fetcher Fetcher

	mu       sync.Mutex
	payloads map[string][]byte
}

// NewMemory 构造内存缓存。fetcher 可为 nil，此时未预置的 Key 返回 ErrNotSeeded。
func NewMemory(fetcher Fetcher) *Memory {
	return &Memory{
		fetcher:  fetcher,
		payloads: map[string][]byte{},
	}
}

// Seed 预置一个 Key 的正文，后续 Fetch 直接命中。
func (m *Memory) Seed(key string, payload []byte) {
	buf := make([]byte, len(payload))
	copy(buf, payload)

	m.mu.Lock()
	m.payloads[key] = buf
	m.mu.Unlock()
}

// Fetch 返回预置正文；未预置且存在 fetcher 时同步回源并留存结果。
func (m *Memory) Fetch(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	payload, ok := m.payloads[key]
	m.mu.Unlock()
	if ok {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		return buf, nil
	}

	if m.fetcher == nil {
		return nil, &RemoteError{Key: key, Err: ErrNotSeeded}
	}

	data, err := m.fetcher.FetchBytes(ctx, key)
	if err != nil {
		return nil, &RemoteError{Key: key, Err: err}
	}
	m.Seed(key, data)
	return data, nil
}

// Remove 删除预置正文，key 不存在时为空操作。
func (m *Memory) Remove(key string) {
	m.mu.Lock()
	delete(m.payloads, key)
	m.mu.Unlock()
}

// RemoveAll 清空全部预置正文，永不失败。
func (m *Memory) RemoveAll() error {
	m.mu.Lock()
	m.payloads = map[string][]byte{}
	m.mu.Unlock()
	return nil
}

// StorageLocation 内存实现没有磁盘位置，始终返回未命中。
func (m *Memory) StorageLocation(string) (string, bool) {
	return "", false
}
