package state

import (
	"context"
)

// State 是唯一的恢复点：{周期号, 节拍号, 序列计数}。
// 序列计数严格单调，跨重启也绝不复用。
type State struct {
	Cycle    int    `json:"cycle"`
	Step     int    `json:"step"`
	Sequence uint64 `json:"sequence"`
}

// Store 抽象恢复状态的持久化。写入失败对运行是致命的；
// 读取失败只代表从零开始。
type Store interface {
	// Load 返回持久化的状态。文件缺失返回零值状态；
	// 内容不可读时同样返回零值状态，并附带 STATE_CORRUPTION 错误
	// 供调用方记录告警。
	Load(ctx context.Context) (State, error)
	// Save 原子地持久化状态。
	Save(ctx context.Context, s State) error
	Close() error
}
