package executor

import (
	"context"
	"time"

	"github.com/conneroisu/reservoir/internal/stats"
)

// Timed wraps work so every call is recorded under name in Stats().Timings.
func (e *Executor) Timed(name string, work Work) Work {
	w := e.timingWindow(name)

	return func(ctx context.Context) (any, error) {
		start := time.Now()
		res, err := work(ctx)
		elapsed := time.Since(start)
		w.Observe(elapsed)

		e.logger.Debug(ctx, "Timed call finished",
			"name", name,
			"duration_ms", elapsed.Milliseconds(),
			"failed", err != nil,
		)
		return res, err
	}
}

func (e *Executor) timingWindow(name string) *stats.Window {
	e.timingsMu.Lock()
	defer e.timingsMu.Unlock()

	w, ok := e.timings[name]
	if !ok {
		w = stats.NewWindow(stats.DefaultWindowSize)
		e.timings[name] = w
	}
	return w
}
