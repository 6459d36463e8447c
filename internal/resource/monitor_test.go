package resource

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	active atomic.Int64
	queued atomic.Int64
}

func (f *fakeCounter) ActiveWorkers() int { return int(f.active.Load()) }
func (f *fakeCounter) QueuedTasks() int   { return int(f.queued.Load()) }

func fixed(s Sample) Sampler {
	return SamplerFunc(func(context.Context) (Sample, error) { return s, nil })
}

func TestMonitor_AdmitsWhenIdle(t *testing.T) {
	m := NewMonitor(Limits{MaxCPUPercent: 50, MaxMemoryPercent: 50}, fixed(Sample{CPUPercent: 99, MemoryPercent: 99}), nil)
	require.NoError(t, m.Refresh(context.Background()))
	counter := &fakeCounter{}
	m.Attach(counter)

	assert.True(t, m.CanAdmit(Hint{CPU: 4}), "an idle pool must always admit")

	counter.active.Store(1)
	err := m.Check(Hint{})
	assert.ErrorIs(t, err, ErrResourceExhausted)
	var ee *ExhaustionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "cpu", ee.Resource)
	assert.True(t, m.Snapshot().Throttled)
}

func TestMonitor_ProjectsHints(t *testing.T) {
	m := NewMonitor(Limits{MaxCPUPercent: 100, MaxMemoryPercent: 60}, fixed(Sample{CPUPercent: 10, MemoryPercent: 50, MemoryTotalMB: 1000}), nil)
	require.NoError(t, m.Refresh(context.Background()))
	counter := &fakeCounter{}
	counter.active.Store(2)
	m.Attach(counter)

	assert.True(t, m.CanAdmit(Hint{MemoryMB: 50}))
	err := m.Check(Hint{MemoryMB: 200})
	var ee *ExhaustionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "memory", ee.Resource)
	assert.InDelta(t, 70.0, ee.Value, 0.001)

	cores := float64(runtime.NumCPU())
	assert.False(t, m.CanAdmit(Hint{CPU: cores}), "every core on top of the current load exceeds the limit")
}

func TestMonitor_MaxActive(t *testing.T) {
	m := NewMonitor(Limits{MaxActive: 2}, fixed(Sample{}), nil)
	counter := &fakeCounter{}
	m.Attach(counter)

	counter.active.Store(1)
	assert.True(t, m.CanAdmit(Hint{}))
	counter.active.Store(2)
	assert.False(t, m.CanAdmit(Hint{}))
	assert.Equal(t, uint64(1), m.Snapshot().Denials)
}

func TestMonitor_Override(t *testing.T) {
	m := NewMonitor(Limits{}, fixed(Sample{}), nil)
	m.SetAdmissionOverride(func(Hint) bool { return false })
	assert.False(t, m.CanAdmit(Hint{}))

	m.SetAdmissionOverride(nil)
	assert.True(t, m.CanAdmit(Hint{}))
}

func TestMonitor_SamplingLoop(t *testing.T) {
	var calls atomic.Int64
	sampler := SamplerFunc(func(context.Context) (Sample, error) {
		n := calls.Add(1)
		return Sample{CPUPercent: float64(n)}, nil
	})
	m := NewMonitor(Limits{SampleInterval: 5 * time.Millisecond}, sampler, nil)
	counter := &fakeCounter{}
	counter.queued.Store(3)
	m.Attach(counter)

	m.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()

	snap := m.Snapshot()
	assert.Positive(t, snap.CPUPercent)
	assert.Equal(t, 3, snap.QueuedTasks)
	assert.False(t, snap.SampledAt.IsZero())
}

func TestMonitor_SampleErrorsKeepLastSample(t *testing.T) {
	fail := false
	sampler := SamplerFunc(func(context.Context) (Sample, error) {
		if fail {
			return Sample{}, errors.New("no procfs")
		}
		return Sample{CPUPercent: 12}, nil
	})
	m := NewMonitor(Limits{}, sampler, nil)
	require.NoError(t, m.Refresh(context.Background()))
	fail = true
	assert.Error(t, m.Refresh(context.Background()))

	snap := m.Snapshot()
	assert.Equal(t, 12.0, snap.CPUPercent)
	assert.Equal(t, uint64(1), snap.SampleErrors)
}
