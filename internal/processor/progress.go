package processor

import "context"

type progressKey struct{}

// ProgressFunc receives a completion percentage in [0, 100].
type ProgressFunc func(percent float64)

// WithProgressReporter returns a context carrying fn. The worker pool
// installs one for every task it runs.
func WithProgressReporter(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress forwards an intermediate completion percentage to the
// worker pool. It is a no-op outside a pool invocation.
func ReportProgress(ctx context.Context, percent float64) {
	fn, ok := ctx.Value(progressKey{}).(ProgressFunc)
	if !ok || fn == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	fn(percent)
}
