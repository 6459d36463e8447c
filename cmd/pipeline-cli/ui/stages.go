package ui

import (
	"io"
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// StageBars renders one live bar per pipeline stage.
type StageBars struct {
	progress *mpb.Progress

	mu     sync.Mutex
	bars   map[string]*mpb.Bar
	states map[string]string
}

// NewStageBars creates a bar for each stage, in the given order.
func NewStageBars(w io.Writer, stages []string) *StageBars {
	sb := &StageBars{
		progress: mpb.New(mpb.WithWidth(40), mpb.WithOutput(w)),
		bars:     make(map[string]*mpb.Bar, len(stages)),
		states:   make(map[string]string, len(stages)),
	}

	width := 0
	for _, name := range stages {
		if len(name) > width {
			width = len(name)
		}
	}

	for _, name := range stages {
		stage := name
		sb.states[stage] = "pending"
		sb.bars[stage] = sb.progress.AddBar(100,
			mpb.PrependDecorators(
				decor.Name(stage, decor.WC{W: width + 1, C: decor.DindentRight}),
				decor.Any(func(decor.Statistics) string { return sb.state(stage) }, decor.WC{W: 10, C: decor.DindentRight}),
			),
			mpb.AppendDecorators(
				decor.Percentage(decor.WC{W: 5}),
				decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 6}),
			),
		)
	}
	return sb
}

func (sb *StageBars) state(stage string) string {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.states[stage]
}

// Update moves a stage bar. Terminal states complete the bar; failed,
// skipped and cancelled stages freeze it where it stopped.
func (sb *StageBars) Update(stage, state string, percent float64) {
	sb.mu.Lock()
	bar, ok := sb.bars[stage]
	if ok && state != "" {
		sb.states[stage] = state
	}
	sb.mu.Unlock()
	if !ok || bar.Completed() || bar.Aborted() {
		return
	}

	switch state {
	case "succeeded":
		bar.SetCurrent(100)
	case "failed", "skipped", "cancelled":
		bar.Abort(false)
	default:
		bar.SetCurrent(int64(percent))
	}
}

// Wait finalizes every open bar and waits for rendering to finish.
func (sb *StageBars) Wait() {
	sb.mu.Lock()
	for _, bar := range sb.bars {
		if !bar.Completed() && !bar.Aborted() {
			bar.Abort(false)
		}
	}
	sb.mu.Unlock()
	sb.progress.Wait()
}
