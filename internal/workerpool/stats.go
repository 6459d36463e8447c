package workerpool

// Stats are the pool's task counters.
type Stats struct {
	Submitted  uint64 `json:"submitted"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
	TimedOut   uint64 `json:"timed_out"`
	Panicked   uint64 `json:"panicked"`
	Cancelled  uint64 `json:"cancelled"`
	Rejected   uint64 `json:"rejected"`
	Throttled  uint64 `json:"throttled"`
	Queued     int    `json:"queued"`
	Active     int    `json:"active"`
	PeakActive int    `json:"peak_active"`
}

// StrategyStats describe one worker class.
type StrategyStats struct {
	Workers int `json:"workers"`
	Active  int `json:"active"`
	Queued  int `json:"queued"`
}

// PoolStats describe pool capacity and utilization.
type PoolStats struct {
	Strategies  map[Strategy]StrategyStats `json:"strategies"`
	Capacity    int                        `json:"capacity"`
	Active      int                        `json:"active"`
	Queued      int                        `json:"queued"`
	Utilization float64                    `json:"utilization"`
	Threads     int                        `json:"threads"`
	Throttling  bool                       `json:"throttling"`
	Stopped     bool                       `json:"stopped"`
}

// Stats returns the current task counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Submitted:  p.stats.submitted,
		Succeeded:  p.stats.succeeded,
		Failed:     p.stats.failed,
		TimedOut:   p.stats.timedOut,
		Panicked:   p.stats.panicked,
		Cancelled:  p.stats.cancelled,
		Rejected:   p.stats.rejected,
		Throttled:  p.stats.throttled,
		Queued:     int(p.queuedN.Load()),
		Active:     int(p.activeN.Load()),
		PeakActive: p.stats.peakActive,
	}
}

// PoolStats returns per-strategy capacity and utilization.
func (p *Pool) PoolStats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps := PoolStats{
		Strategies: make(map[Strategy]StrategyStats, len(strategies)),
		Threads:    int(p.threads.Load()),
		Throttling: p.throttle.Load(),
		Stopped:    p.stopping,
	}
	for _, s := range strategies {
		st := StrategyStats{
			Workers: p.capacity[s],
			Active:  p.active[s],
			Queued:  p.queues[s].Len(),
		}
		ps.Strategies[s] = st
		ps.Capacity += st.Workers
		ps.Active += st.Active
		ps.Queued += st.Queued
	}
	if ps.Capacity > 0 {
		ps.Utilization = float64(ps.Active) / float64(ps.Capacity)
	}
	return ps
}
