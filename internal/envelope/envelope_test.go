package envelope

import (
	"math"
	"testing"
	"time"
)

func TestAmplitudePeriodicity(t *testing.T) {
	const steps = 12
	for i := 0; i < steps*3; i++ {
		a := Amplitude(i, steps)
		b := Amplitude(i+steps, steps)
		if math.Abs(a-b) > 1e-12 {
			t.Fatalf("amplitude not periodic at step %d: %v vs %v", i, a, b)
		}
		if a < 0 || a > 1 {
			t.Fatalf("amplitude out of range at step %d: %v", i, a)
		}
	}
}

func TestAmplitudePeakAndTrough(t *testing.T) {
	const steps = 12
	if got := Amplitude(0, steps); got != 1.0 {
		t.Fatalf("expected peak 1.0 at step 0, got %v", got)
	}
	if got := Amplitude(steps/2, steps); math.Abs(got) > 1e-12 {
		t.Fatalf("expected trough ~0 at half cycle, got %v", got)
	}
}

func TestAmplitudeNegativeAndZeroSteps(t *testing.T) {
	if got := Amplitude(-12, 12); math.Abs(got-1.0) > 1e-12 {
		t.Fatalf("expected 1.0 for step -12, got %v", got)
	}
	// stepsPerCycle below 1 collapses to a constant peak
	if got := Amplitude(5, 0); got != 1.0 {
		t.Fatalf("expected 1.0 for degenerate cycle, got %v", got)
	}
}

func TestSchedulerStepDuration(t *testing.T) {
	s := NewScheduler(12, 2*time.Minute)
	if got := s.StepDuration(); got != 10*time.Second {
		t.Fatalf("expected 10s step duration, got %v", got)
	}

	step := s.At(3, 6, 42)
	if step.CycleIndex != 3 || step.StepIndex != 6 || step.Sequence != 42 {
		t.Fatalf("unexpected step: %+v", step)
	}
	if math.Abs(step.Amplitude) > 1e-12 {
		t.Fatalf("expected trough amplitude at step 6 of 12, got %v", step.Amplitude)
	}
}
