package resource

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sample is one reading of host resource usage.
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
	MemoryTotalMB uint64
	MemoryUsedMB  uint64
	Goroutines    int
	HeapAllocMB   uint64
}

// Sampler reads current resource usage.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (Sample, error)

// Sample calls f(ctx).
func (f SamplerFunc) Sample(ctx context.Context) (Sample, error) { return f(ctx) }

// SystemSampler reads host CPU and memory through gopsutil and process
// statistics from the Go runtime.
type SystemSampler struct{}

// NewSystemSampler returns a host sampler.
func NewSystemSampler() *SystemSampler {
	return &SystemSampler{}
}

// Sample implements Sampler. CPU usage is measured since the previous call.
func (s *SystemSampler) Sample(ctx context.Context) (Sample, error) {
	var out Sample

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return out, fmt.Errorf("sample cpu: %w", err)
	}
	if len(percents) > 0 {
		out.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return out, fmt.Errorf("sample memory: %w", err)
	}
	out.MemoryPercent = vm.UsedPercent
	out.MemoryTotalMB = vm.Total / (1024 * 1024)
	out.MemoryUsedMB = vm.Used / (1024 * 1024)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	out.HeapAllocMB = ms.HeapAlloc / (1024 * 1024)
	out.Goroutines = runtime.NumGoroutine()

	return out, nil
}
