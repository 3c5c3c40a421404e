// Package pulse drives the step loop: resume state, compute the envelope
// position, build and persist the payload, fan signing out across the
// configured identities, feed the rollup, optionally broadcast, then
// advance durable state. State persistence is the only fatal failure;
// everything else is isolated, logged and recorded on the trail.
package pulse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"PulseAnchor-Chain/internal/broadcast"
	"PulseAnchor-Chain/internal/envelope"
	xerrors "PulseAnchor-Chain/internal/errors"
	"PulseAnchor-Chain/internal/eventlog"
	"PulseAnchor-Chain/internal/identity"
	"PulseAnchor-Chain/internal/observability/alerting"
	"PulseAnchor-Chain/internal/payload"
	"PulseAnchor-Chain/internal/recorder"
	"PulseAnchor-Chain/internal/rollup"
	"PulseAnchor-Chain/internal/state"
	"PulseAnchor-Chain/pkg/logger"
)

// Run modes.
const (
	ModeOnce       = "once"
	ModeContinuous = "continuous"
)

// Options 汇总编排器的全部依赖。Gate 与 Trail 可以为空。
type Options struct {
	Scheduler  *envelope.Scheduler
	Builder    *payload.Builder
	Identities []identity.Signable
	Recorder   *recorder.Recorder
	Aggregator *rollup.Aggregator
	Gate       *broadcast.Gate
	Store      state.Store
	Trail      *eventlog.Trail
	Alerts     alerting.Dispatcher
	AnchorTag  string
	RunMode    string
}

// Status 是编排器某一时刻的只读快照。
type Status struct {
	Cycle           int       `json:"cycle"`
	Step            int       `json:"step"`
	Amplitude       float64   `json:"amplitude"`
	Sequence        uint64    `json:"sequence"`
	Identities      []string  `json:"identities"`
	StepsCompleted  uint64    `json:"steps_completed"`
	OpenBatchLeaves int       `json:"open_batch_leaves"`
	BatchCapacity   int       `json:"batch_capacity"`
	LastSealedRoot  string    `json:"last_sealed_root,omitempty"`
	LastSealedBatch string    `json:"last_sealed_batch,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Orchestrator 串联一次脉冲步骤涉及的全部组件。
type Orchestrator struct {
	scheduler  *envelope.Scheduler
	builder    *payload.Builder
	identities []identity.Signable
	rec        *recorder.Recorder
	agg        *rollup.Aggregator
	gate       *broadcast.Gate
	store      state.Store
	trail      *eventlog.Trail
	alerts     alerting.Dispatcher
	anchorTag  string
	runMode    string

	mu              sync.Mutex
	cur             state.State
	stepsCompleted  uint64
	lastSealedRoot  string
	lastSealedBatch string
}

// New 创建编排器并校验必需依赖。
func New(opts Options) (*Orchestrator, error) {
	if opts.Scheduler == nil || opts.Builder == nil || opts.Recorder == nil ||
		opts.Aggregator == nil || opts.Store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器依赖不完整")
	}
	if len(opts.Identities) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "至少需要配置一个签名身份")
	}
	mode := opts.RunMode
	if mode == "" {
		mode = ModeOnce
	}
	if mode != ModeOnce && mode != ModeContinuous {
		return nil, xerrors.New(xerrors.CodeConfiguration, "run_mode 只支持 once 或 continuous")
	}
	return &Orchestrator{
		scheduler:  opts.Scheduler,
		builder:    opts.Builder,
		identities: opts.Identities,
		rec:        opts.Recorder,
		agg:        opts.Aggregator,
		gate:       opts.Gate,
		store:      opts.Store,
		trail:      opts.Trail,
		alerts:     opts.Alerts,
		anchorTag:  opts.AnchorTag,
		runMode:    mode,
	}, nil
}

// Resume 加载持久化状态。缺失或损坏的状态按从零开始处理,不致命。
func (o *Orchestrator) Resume(ctx context.Context) error {
	loaded, err := o.store.Load(ctx)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeStateCorruption {
			logger.L().Warn("持久化状态不可读,从零开始", "error", err)
			o.record(ctx, eventlog.Record{Kind: eventlog.KindStateReset})
			loaded = state.State{}
		} else {
			return err
		}
	}

	o.mu.Lock()
	o.cur = loaded
	o.mu.Unlock()

	if loaded != (state.State{}) {
		logger.L().Info("从持久化状态恢复",
			"cycle", loaded.Cycle, "step", loaded.Step, "sequence", loaded.Sequence)
		o.record(ctx, eventlog.Record{
			Kind:     eventlog.KindStateResumed,
			Sequence: loaded.Sequence,
			Detail:   map[string]any{"cycle": loaded.Cycle, "step": loaded.Step},
		})
	}
	return nil
}

// AdvanceOneStep 执行一个完整步骤。状态只在步骤全部完成后推进,
// 且只有状态保存失败会以 STATE_FAILURE 返回并要求停机。
func (o *Orchestrator) AdvanceOneStep(ctx context.Context) error {
	o.mu.Lock()
	cur := o.cur
	o.mu.Unlock()

	sequence := cur.Sequence + 1
	step := o.scheduler.At(cur.Cycle, cur.Step, sequence)
	data := o.builder.Build(step)

	// 负载先于任何签名落盘,保证负载内容独立于签名可取回。
	// 存储失败重试一次;仍失败则该序号不进入批次,步骤继续。
	payloadErr := retryOnce(func() error {
		_, err := o.rec.RecordPayload(ctx, sequence, data)
		return err
	})
	if payloadErr != nil && recorder.IsConflict(payloadErr) {
		// 上次运行在保存状态前中断,该序号的负载已经落盘。
		// 以磁盘上的字节为准重做本步,签名与叶子都对它计算。
		persisted, readErr := o.rec.ReadPayload(sequence)
		if readErr == nil {
			logger.L().Warn("序号已有持久化负载,复用磁盘字节重做本步",
				"sequence", sequence)
			data = persisted
			payloadErr = nil
		}
	}
	if payloadErr != nil {
		logger.L().Error("负载产物写入失败,该序号不参与封批",
			"sequence", sequence, "error", payloadErr)
		o.record(ctx, eventlog.Record{
			Kind:     eventlog.KindArtifactFailed,
			Sequence: sequence,
			Detail:   map[string]any{"error": payloadErr.Error(), "artifact": "payload"},
		})
	}

	o.signAll(ctx, step, data)

	if payloadErr == nil {
		o.mu.Lock()
		o.agg.Append(sequence, data)
		o.mu.Unlock()
	}

	if o.gate != nil {
		o.gate.MaybeSubmitPayload(ctx, sequence, data)
	}

	next := state.State{Cycle: cur.Cycle, Step: cur.Step + 1, Sequence: sequence}
	if next.Step >= o.scheduler.StepsPerCycle() {
		next.Step = 0
		next.Cycle++
	}
	if err := o.store.Save(ctx, next); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeStateFailure, err, "保存执行状态失败")
		o.alert(ctx, wrapped, sequence, "")
		return wrapped
	}

	o.mu.Lock()
	o.cur = next
	o.stepsCompleted++
	o.mu.Unlock()

	logger.Audit().Info("step completed",
		"sequence", sequence,
		"cycle", step.CycleIndex,
		"step", step.StepIndex,
		"amplitude", fmt.Sprintf("%.6f", step.Amplitude),
	)
	o.record(ctx, eventlog.Record{
		Kind:     eventlog.KindStepCompleted,
		Sequence: sequence,
		Detail: map[string]any{
			"cycle":     step.CycleIndex,
			"step":      step.StepIndex,
			"amplitude": fmt.Sprintf("%.6f", step.Amplitude),
		},
	})
	return nil
}

// signAll 把签名扇出到每个身份。单个身份失败只影响它自己。
func (o *Orchestrator) signAll(ctx context.Context, step envelope.Step, data []byte) {
	var wg sync.WaitGroup
	for _, signer := range o.identities {
		wg.Add(1)
		go func(signer identity.Signable) {
			defer wg.Done()
			if err := o.signOne(ctx, signer, step, data); err != nil {
				logger.L().Warn("身份签名被跳过",
					"identity", signer.Name(),
					"sequence", step.Sequence,
					"code", xerrors.CodeOf(err),
					"error", err,
				)
				o.record(ctx, eventlog.Record{
					Kind:     eventlog.KindIdentitySkipped,
					Sequence: step.Sequence,
					Identity: signer.Name(),
					Detail:   map[string]any{"error": err.Error()},
				})
				if xerrors.ShouldAlert(err) {
					o.alert(ctx, err, step.Sequence, signer.Name())
				}
			}
		}(signer)
	}
	wg.Wait()
}

func (o *Orchestrator) signOne(ctx context.Context, signer identity.Signable, step envelope.Step, data []byte) error {
	signature, err := signer.SignText(payload.Rendering(data))
	if err != nil {
		return err
	}

	bundle := recorder.SignatureBundle{
		IdentityName:     signer.Name(),
		Address:          signer.Address(),
		MessageRendering: payload.Rendering(data),
		Signature:        signature,
	}

	if typed, ok := signer.(identity.TypedDataSigner); ok && typedEnabled(signer) {
		claim := identity.TypedClaim{
			Sequence:  step.Sequence,
			Cycle:     step.CycleIndex,
			Step:      step.StepIndex,
			Amplitude: fmt.Sprintf("%.6f", step.Amplitude),
			Anchor:    o.anchorTag,
		}
		typedSig, descriptor, err := typed.SignTypedData(claim)
		switch {
		case err == nil:
			bundle.TypedDataSignature = typedSig
			bundle.TypedData = descriptor
		case xerrors.CodeOf(err) == xerrors.CodeCapabilityMissing:
			// 未启用结构化签名,文本签名照常保留。
		default:
			logger.L().Warn("结构化签名失败",
				"identity", signer.Name(), "sequence", step.Sequence, "error", err)
		}
	}

	// 产物写入失败重试一次,再失败只记录,不影响该身份的签名结论。
	if err := retryOnce(func() error {
		_, err := o.rec.RecordSignature(ctx, step.Sequence, bundle)
		return err
	}); err != nil {
		logger.L().Error("签名产物写入失败",
			"identity", signer.Name(), "sequence", step.Sequence, "error", err)
		o.record(ctx, eventlog.Record{
			Kind:     eventlog.KindArtifactFailed,
			Sequence: step.Sequence,
			Identity: signer.Name(),
			Detail:   map[string]any{"error": err.Error(), "artifact": "signature"},
		})
	}
	if err := retryOnce(func() error {
		_, err := o.rec.RecordDescriptor(ctx, step.Sequence, signer.Name(), signer.InjectDescriptor(data))
		return err
	}); err != nil {
		logger.L().Error("注入描述写入失败",
			"identity", signer.Name(), "sequence", step.Sequence, "error", err)
		o.record(ctx, eventlog.Record{
			Kind:     eventlog.KindArtifactFailed,
			Sequence: step.Sequence,
			Identity: signer.Name(),
			Detail:   map[string]any{"error": err.Error(), "artifact": "descriptor"},
		})
	}
	return nil
}

// retryOnce 对存储类操作做一次重试。
func retryOnce(op func() error) error {
	if err := op(); err == nil {
		return nil
	}
	return op()
}

// typedEnabled 检查身份是否声明了结构化签名能力。
func typedEnabled(signer identity.Signable) bool {
	capable, ok := signer.(interface{ TypedCapable() bool })
	return !ok || capable.TypedCapable()
}

// FlushRollupIfFull 在批次满时封批,并在封批成功后提交根哈希。
func (o *Orchestrator) FlushRollupIfFull(ctx context.Context) error {
	o.mu.Lock()
	result, err := o.agg.SealIfFull(ctx)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}

	o.mu.Lock()
	o.lastSealedRoot = result.RootHex
	o.lastSealedBatch = result.BatchLabel
	o.mu.Unlock()

	logger.L().Info("批次封存完成",
		"batch", result.BatchLabel,
		"root", result.RootHex,
		"count", result.Manifest.Count,
	)
	logger.Audit().Info("rollup sealed",
		"batch", result.BatchLabel,
		"root", result.RootHex,
		"seq_start", result.Manifest.SeqStart,
		"seq_end", result.Manifest.SeqEnd,
	)
	o.record(ctx, eventlog.Record{
		Kind:     eventlog.KindRollupSealed,
		Sequence: result.Manifest.SeqEnd,
		Detail: map[string]any{
			"batch":     result.BatchLabel,
			"root":      result.RootHex,
			"seq_start": result.Manifest.SeqStart,
			"seq_end":   result.Manifest.SeqEnd,
		},
	})

	if o.gate != nil {
		o.gate.SubmitRoot(ctx, result)
	}
	return nil
}

// Run 按配置的运行模式驱动步骤循环。continuous 模式下按步长定时推进,
// 取消只在步骤边界生效,不会打断进行中的步骤。
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Resume(ctx); err != nil {
		return err
	}
	o.record(ctx, eventlog.Record{Kind: eventlog.KindRunStarted, Detail: map[string]any{"mode": o.runMode}})

	if o.runMode == ModeOnce {
		err := o.step(ctx)
		o.record(ctx, eventlog.Record{Kind: eventlog.KindRunStopped})
		return err
	}

	ticker := time.NewTicker(o.scheduler.StepDuration())
	defer ticker.Stop()

	for {
		if err := o.step(ctx); err != nil {
			o.record(ctx, eventlog.Record{Kind: eventlog.KindRunStopped, Detail: map[string]any{"error": err.Error()}})
			return err
		}
		select {
		case <-ctx.Done():
			o.record(ctx, eventlog.Record{Kind: eventlog.KindRunStopped})
			return nil
		case <-ticker.C:
		}
	}
}

// step 执行一步并在需要时封批。能走到返回错误的只有状态保存失败,
// 封批失败不致命,批次保持开放等待下一次尝试。
func (o *Orchestrator) step(ctx context.Context) error {
	if err := o.AdvanceOneStep(ctx); err != nil {
		return err
	}
	if err := o.FlushRollupIfFull(ctx); err != nil {
		logger.L().Error("封批失败,批次保持开放", "error", err)
	}
	return nil
}

// Status 返回当前快照,供只读状态接口使用。
func (o *Orchestrator) Status() Status {
	names := make([]string, 0, len(o.identities))
	for _, signer := range o.identities {
		names = append(names, signer.Name())
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Cycle:           o.cur.Cycle,
		Step:            o.cur.Step,
		Amplitude:       o.scheduler.Amplitude(o.cur.Step),
		Sequence:        o.cur.Sequence,
		Identities:      names,
		StepsCompleted:  o.stepsCompleted,
		OpenBatchLeaves: o.agg.Len(),
		BatchCapacity:   o.agg.Capacity(),
		LastSealedRoot:  o.lastSealedRoot,
		LastSealedBatch: o.lastSealedBatch,
		Timestamp:       time.Now().UTC(),
	}
}

func (o *Orchestrator) alert(ctx context.Context, err error, sequence uint64, identityName string) {
	if o.alerts == nil {
		return
	}
	if notifyErr := o.alerts.Notify(ctx, alerting.FromError(err, sequence, identityName)); notifyErr != nil {
		logger.L().Warn("告警发送失败", "error", notifyErr)
	}
}

func (o *Orchestrator) record(ctx context.Context, record eventlog.Record) {
	if o.trail == nil {
		return
	}
	if err := o.trail.Append(ctx, record); err != nil {
		logger.L().Warn("写入事件轨迹失败", "kind", record.Kind, "error", err)
	}
}
