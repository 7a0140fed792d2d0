package device

import "testing"

func TestProbeFillsCores(t *testing.T) {
	info := Probe()
	if info.LogicalCores <= 0 || info.PhysicalCores <= 0 {
		t.Fatalf("expected positive core counts, got %+v", info)
	}
	if info.SIMD == "" {
		t.Fatalf("simd level not set")
	}
}

func TestSelectFallsBackToCPU(t *testing.T) {
	info := Info{PhysicalCores: 4, LogicalCores: 8, SIMD: SIMDAVX2}
	sel := Select(info, 2, 0)
	if sel.GPUs != 0 {
		t.Fatalf("expected cpu fallback, got %d gpus", sel.GPUs)
	}
	if sel.Workers != 4 {
		t.Fatalf("expected one worker per physical core, got %d", sel.Workers)
	}
	if got := Select(info, 0, 32).Workers; got != 8 {
		t.Fatalf("expected workers capped at logical cores, got %d", got)
	}
	if got := Select(info, 0, 3).Workers; got != 3 {
		t.Fatalf("expected explicit worker count, got %d", got)
	}
}
