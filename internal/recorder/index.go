package recorder

import (
	"context"
	"sort"
	"sync"

	xerrors "PulseAnchor-Chain/internal/errors"
)

// IndexEntry 是产物索引中的一条记录。
type IndexEntry struct {
	ID        string `json:"id"`
	Sequence  uint64 `json:"sequence"`
	Kind      string `json:"kind"`
	Identity  string `json:"identity,omitempty"`
	Path      string `json:"path"`
	Root      string `json:"root,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// ArtifactIndex 为产物提供可查询的索引,用于离线诊断。
type ArtifactIndex interface {
	// Insert 追加一条索引记录。
	Insert(ctx context.Context, entry IndexEntry) error
	// ListBySequence 返回指定序号的全部索引记录。
	ListBySequence(ctx context.Context, sequence uint64) ([]IndexEntry, error)
	// Close 释放底层资源。
	Close() error
}

// MemoryIndex 使用内存保存索引记录,适合单进程或测试场景。
type MemoryIndex struct {
	mu      sync.RWMutex
	entries []IndexEntry
}

// NewMemoryIndex 创建内存索引实例。
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

// Insert 实现 ArtifactIndex 接口。
func (m *MemoryIndex) Insert(_ context.Context, entry IndexEntry) error {
	if entry.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "索引记录缺少 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// ListBySequence 实现 ArtifactIndex 接口。返回副本,避免外部修改内部状态。
func (m *MemoryIndex) ListBySequence(_ context.Context, sequence uint64) ([]IndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []IndexEntry
	for _, entry := range m.entries {
		if entry.Sequence == sequence {
			matched = append(matched, entry)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt < matched[j].CreatedAt
	})
	return matched, nil
}

// Close 对内存索引无需操作。
func (m *MemoryIndex) Close() error { return nil }

var _ ArtifactIndex = (*MemoryIndex)(nil)
