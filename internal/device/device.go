// Package device inspects the host and decides where the model runs.
package device

import (
	"log"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// SIMD levels reported by Probe, from widest to narrowest.
const (
	SIMDAVX512 = "avx512"
	SIMDAVX2   = "avx2"
	SIMDNEON   = "neon"
	SIMDNone   = "none"
)

// Info summarizes the host CPU.
type Info struct {
	Brand         string
	Vendor        string
	PhysicalCores int
	LogicalCores  int
	SIMD          string
}

// Probe reads the host CPU description.
func Probe() Info {
	info := Info{
		Brand:         cpuid.CPU.BrandName,
		Vendor:        cpuid.CPU.VendorString,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		SIMD:          SIMDNone,
	}
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ):
		info.SIMD = SIMDAVX512
	case cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3):
		info.SIMD = SIMDAVX2
	case cpuid.CPU.Supports(cpuid.ASIMD):
		info.SIMD = SIMDNEON
	}
	if info.LogicalCores <= 0 {
		info.LogicalCores = runtime.NumCPU()
	}
	if info.PhysicalCores <= 0 {
		info.PhysicalCores = info.LogicalCores
	}
	return info
}

// Selection is the outcome of Select.
type Selection struct {
	Info    Info
	GPUs    int
	Workers int
}

// Select resolves the requested accelerator count and loader worker count
// against info. No GPU backend is compiled in, so any request for GPUs
// falls back to the CPU. A non-positive worker request uses one worker per
// physical core.
func Select(info Info, numGPUs, numWorkers int) Selection {
	if numGPUs > 0 {
		log.Printf("device=cpu requested_gpus=%d reason=no_gpu_backend", numGPUs)
	}
	workers := numWorkers
	if workers <= 0 {
		workers = info.PhysicalCores
	}
	if workers > info.LogicalCores {
		workers = info.LogicalCores
	}
	if workers <= 0 {
		workers = 1
	}
	log.Printf("device=cpu brand=%q vendor=%s physical_cores=%d logical_cores=%d simd=%s workers=%d",
		info.Brand, info.Vendor, info.PhysicalCores, info.LogicalCores, info.SIMD, workers)
	return Selection{Info: info, Workers: workers}
}
