// Package broadcast implements the optional on-chain submission gate.
// Submissions are rate limited by a cadence divisor and executed under
// their own timeout; failures produce a failed receipt and never block
// the step loop.
package broadcast

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"PulseAnchor-Chain/internal/eventlog"
	"PulseAnchor-Chain/internal/identity"
	"PulseAnchor-Chain/internal/recorder"
	"PulseAnchor-Chain/internal/rollup"
	"PulseAnchor-Chain/pkg/logger"

	"github.com/google/uuid"
)

// Receipt statuses.
const (
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
	StatusPending   = "pending"
)

// Receipt 记录一次上链提交的结果。每次提交尝试产生一份回执,
// 并作为产物持久化。
type Receipt struct {
	ID          string    `json:"id"`
	Sequence    uint64    `json:"sequence"`
	Identity    string    `json:"identity"`
	Target      string    `json:"target"`
	TxRef       string    `json:"tx_ref,omitempty"`
	Error       string    `json:"error,omitempty"`
	Status      string    `json:"status"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// Submitter 把一个可上链身份与其名字绑在一起。
type Submitter struct {
	Name     string
	Identity identity.Submitter
}

// Gate 控制负载与封批根哈希的按节奏上链。
type Gate struct {
	enabled   bool
	divisor   uint64
	timeout   time.Duration
	submitter *Submitter
	trail     *eventlog.Trail
	rec       *recorder.Recorder
}

// GateOption 配置闸门的可选行为。
type GateOption func(*Gate)

// WithRecorder 让闸门把每份回执作为产物持久化。
func WithRecorder(rec *recorder.Recorder) GateOption {
	return func(g *Gate) { g.rec = rec }
}

// NewGate 创建广播闸门。submitters 取第一个可用身份;为空时
// 闸门保持关闭形态,所有提交退化为 "rollup ready, not broadcast"。
func NewGate(enabled bool, divisor uint64, timeout time.Duration, submitters []Submitter, trail *eventlog.Trail, opts ...GateOption) *Gate {
	if divisor == 0 {
		divisor = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	g := &Gate{enabled: enabled, divisor: divisor, timeout: timeout, trail: trail}
	if len(submitters) > 0 {
		g.submitter = &submitters[0]
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Enabled 返回闸门是否开启且存在可上链身份。
func (g *Gate) Enabled() bool {
	return g.enabled && g.submitter != nil
}

// MaybeSubmitPayload 在序号命中节奏时提交该步骤的负载字节。
// 未开启、身份缺失或未命中节奏时返回 nil。
func (g *Gate) MaybeSubmitPayload(ctx context.Context, sequence uint64, payload []byte) *Receipt {
	if !g.Enabled() {
		return nil
	}
	if sequence%g.divisor != 0 {
		return nil
	}
	return g.submit(ctx, sequence, fmt.Sprintf("sequence:%d", sequence), payload)
}

// SubmitRoot 在封批后提交根哈希的锚定调用数据。
// 没有可上链身份时只在轨迹上记录,不视为失败。
func (g *Gate) SubmitRoot(ctx context.Context, result *rollup.SealResult) *Receipt {
	target := "root:" + result.RootHex
	if !g.Enabled() {
		logger.L().Info("批次已就绪,未广播", "batch", result.BatchLabel, "root", result.RootHex)
		g.record(ctx, eventlog.Record{
			Kind:     eventlog.KindBroadcastResult,
			Sequence: result.Manifest.SeqEnd,
			Detail:   map[string]any{"target": target, "status": "rollup ready, not broadcast"},
		})
		return nil
	}

	calldata, err := hex.DecodeString(result.Calldata.Calldata[2:])
	if err != nil {
		logger.L().Error("锚定调用数据不合法", "batch", result.BatchLabel, "error", err)
		return nil
	}
	return g.submit(ctx, result.Manifest.SeqEnd, target, calldata)
}

// submit 在闸门自身的超时内执行提交。超时不等待结果,标记 pending;
// 其余错误生成失败回执。两种情况都不会向上传播错误。
func (g *Gate) submit(ctx context.Context, sequence uint64, target string, data []byte) *Receipt {
	receipt := &Receipt{
		ID:          uuid.NewString(),
		Sequence:    sequence,
		Identity:    g.submitter.Name,
		Target:      target,
		AttemptedAt: time.Now().UTC(),
	}

	submitCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	txRef, err := g.submitter.Identity.SubmitData(submitCtx, data)
	switch {
	case err == nil:
		receipt.Status = StatusConfirmed
		receipt.TxRef = txRef
		logger.L().Info("广播提交成功", "identity", receipt.Identity, "target", target, "tx", txRef)
	case errors.Is(err, context.DeadlineExceeded):
		receipt.Status = StatusPending
		receipt.Error = err.Error()
		logger.L().Warn("广播提交超时,结果未知", "identity", receipt.Identity, "target", target)
	default:
		receipt.Status = StatusFailed
		receipt.Error = err.Error()
		logger.L().Warn("广播提交失败", "identity", receipt.Identity, "target", target, "error", err)
	}

	g.persistReceipt(ctx, receipt)
	logger.Audit().Info("broadcast result",
		"receipt_id", receipt.ID,
		"sequence", receipt.Sequence,
		"identity", receipt.Identity,
		"target", receipt.Target,
		"status", receipt.Status,
		"tx_ref", receipt.TxRef,
	)
	g.record(ctx, eventlog.Record{
		Kind:     eventlog.KindBroadcastResult,
		Sequence: receipt.Sequence,
		Identity: receipt.Identity,
		Detail: map[string]any{
			"receipt_id": receipt.ID,
			"target":     receipt.Target,
			"status":     receipt.Status,
			"tx_ref":     receipt.TxRef,
			"error":      receipt.Error,
		},
	})
	return receipt
}

// persistReceipt 把回执写成产物文件。写入失败只记日志,
// 回执仍会留在事件轨迹上。
func (g *Gate) persistReceipt(ctx context.Context, receipt *Receipt) {
	if g.rec == nil {
		return
	}
	if _, err := g.rec.RecordReceipt(ctx, receipt.Sequence, receipt.Identity, receipt.ID, receipt); err != nil {
		logger.L().Error("广播回执产物写入失败",
			"receipt_id", receipt.ID, "sequence", receipt.Sequence, "error", err)
	}
}

func (g *Gate) record(ctx context.Context, record eventlog.Record) {
	if g.trail == nil {
		return
	}
	if err := g.trail.Append(ctx, record); err != nil {
		logger.L().Warn("广播回执写入轨迹失败", "error", err)
	}
}
