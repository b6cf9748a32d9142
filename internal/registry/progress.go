package registry

import "context"

// ProgressFunc receives handler progress checkpoints.
type ProgressFunc func(percent int, message string)

type progressKey struct{}

// WithProgress attaches a progress sink to ctx. The task executor sets
// one per run; handlers report through ReportProgress.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress forwards a checkpoint to the attached sink, if any.
func ReportProgress(ctx context.Context, percent int, message string) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(percent, message)
	}
}
