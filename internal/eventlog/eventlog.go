// Package eventlog maintains the append-only operational trail. Every
// notable runtime event lands as one JSON line in a local file, and can
// optionally be mirrored to a message queue for downstream consumers.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	xerrors "PulseAnchor-Chain/internal/errors"
	"PulseAnchor-Chain/pkg/logger"

	"github.com/google/uuid"
)

// Event kinds recorded on the trail.
const (
	KindRunStarted      = "run_started"
	KindStateResumed    = "state_resumed"
	KindStateReset      = "state_reset"
	KindStepCompleted   = "step_completed"
	KindIdentitySkipped = "identity_skipped"
	KindArtifactFailed  = "artifact_failed"
	KindRollupSealed    = "rollup_sealed"
	KindBroadcastResult = "broadcast_result"
	KindRunStopped      = "run_stopped"
)

// Record 是事件轨迹中的一条记录。
type Record struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	Sequence  uint64         `json:"sequence,omitempty"`
	Identity  string         `json:"identity,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Mirror 把事件记录复制到另一条通道。投递失败不影响本地轨迹。
type Mirror interface {
	Publish(ctx context.Context, record Record) error
	Close() error
}

// Trail 负责把事件逐行追加到本地 JSONL 文件。
type Trail struct {
	mu     sync.Mutex
	file   *os.File
	mirror Mirror
	now    func() time.Time
}

// Option 配置 Trail 的可选行为。
type Option func(*Trail)

// WithMirror 附加一个事件镜像通道。
func WithMirror(m Mirror) Option {
	return func(t *Trail) { t.mirror = m }
}

// WithClock 覆盖时间来源，仅用于测试。
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// NewTrail 打开(或创建)轨迹文件并返回 Trail 实例。
func NewTrail(path string, opts ...Option) (*Trail, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "事件轨迹路径为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建事件轨迹目录失败: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开事件轨迹文件失败: %w", err)
	}
	t := &Trail{file: file, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Append 追加一条事件记录。ID 与时间戳由 Trail 填充。
func (t *Trail) Append(ctx context.Context, record Record) error {
	record.ID = uuid.NewString()
	record.Timestamp = t.now().UTC()

	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化事件记录失败")
	}

	t.mu.Lock()
	_, err = t.file.Write(append(encoded, '\n'))
	t.mu.Unlock()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入事件轨迹失败")
	}

	if t.mirror != nil {
		if err := t.mirror.Publish(ctx, record); err != nil {
			logger.L().Warn("事件镜像投递失败", "kind", record.Kind, "error", err)
		}
	}
	return nil
}

// Close 关闭轨迹文件与镜像通道。
func (t *Trail) Close() error {
	if t == nil {
		return nil
	}
	if t.mirror != nil {
		_ = t.mirror.Close()
	}
	if t.file != nil {
		return t.file.Close()
	}
	return nil
}
