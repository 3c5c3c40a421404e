// Package envelope computes the periodic amplitude curve that paces payload
// content across a cycle. The curve is a raised cosine: full amplitude at the
// first step of every cycle, near zero at the half-cycle point.
package envelope

import (
	"math"
	"time"
)

// Step 描述包络中的一个节拍。
type Step struct {
	CycleIndex int
	StepIndex  int
	Amplitude  float64
	Sequence   uint64
}

// Scheduler 是纯函数式的节奏计算器，本身不持有任何状态。
type Scheduler struct {
	stepsPerCycle int
	cycleDuration time.Duration
}

// NewScheduler 构造调度器。stepsPerCycle 小于 1 时按 1 处理。
func NewScheduler(stepsPerCycle int, cycleDuration time.Duration) *Scheduler {
	if stepsPerCycle < 1 {
		stepsPerCycle = 1
	}
	return &Scheduler{stepsPerCycle: stepsPerCycle, cycleDuration: cycleDuration}
}

// Amplitude 返回 step 位置的包络幅值，取值范围 [0,1]。
// 同一输入永远得到同一输出（浮点误差范围内）。
func (s *Scheduler) Amplitude(stepIndex int) float64 {
	return Amplitude(stepIndex, s.stepsPerCycle)
}

// StepDuration 返回单个节拍的实时间隔。
func (s *Scheduler) StepDuration() time.Duration {
	return s.cycleDuration / time.Duration(s.stepsPerCycle)
}

// StepsPerCycle 返回每周期的节拍数。
func (s *Scheduler) StepsPerCycle() int {
	return s.stepsPerCycle
}

// At 组装给定位置的 Step。
func (s *Scheduler) At(cycleIndex, stepIndex int, sequence uint64) Step {
	return Step{
		CycleIndex: cycleIndex,
		StepIndex:  stepIndex,
		Amplitude:  s.Amplitude(stepIndex),
		Sequence:   sequence,
	}
}

// Amplitude 是包络函数本体：(1 + cos(2π·(step mod N)/N)) / 2。
func Amplitude(stepIndex, stepsPerCycle int) float64 {
	if stepsPerCycle < 1 {
		stepsPerCycle = 1
	}
	pos := stepIndex % stepsPerCycle
	if pos < 0 {
		pos += stepsPerCycle
	}
	angle := 2 * math.Pi * float64(pos) / float64(stepsPerCycle)
	return (1 + math.Cos(angle)) / 2
}
