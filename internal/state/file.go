package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	xerrors "PulseAnchor-Chain/internal/errors"
)

// FileStore 把状态保存为单个 JSON 文件。写入先落临时文件再改名，
// 保证崩溃不会留下截断的状态。
type FileStore struct {
	path string
}

// NewFileStore 构造文件状态存储，并确保目录存在。
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "状态文件路径为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建状态目录失败: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Load 实现 Store 接口。
func (f *FileStore) Load(_ context.Context) (State, error) {
	content, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, xerrors.Wrap(xerrors.CodeStateCorruption, err, "读取状态文件失败")
	}

	var s State
	if err := json.Unmarshal(content, &s); err != nil {
		return State{}, xerrors.Wrap(xerrors.CodeStateCorruption, err, "状态文件内容不可解析")
	}
	return s, nil
}

// Save 实现 Store 接口。临时文件与目标文件同目录，保证改名原子。
func (f *FileStore) Save(_ context.Context, s State) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStateFailure, err, "序列化状态失败")
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".state-*")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStateFailure, err, "创建临时状态文件失败")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(encoded, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStateFailure, err, "写入临时状态文件失败")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStateFailure, err, "刷盘临时状态文件失败")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStateFailure, err, "关闭临时状态文件失败")
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStateFailure, err, "替换状态文件失败")
	}
	return nil
}

// Close 对文件存储无需操作。
func (f *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)
