package job

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/vfsd/internal/vfs"
)

// NewLoggingMiddleware returns a new logging middleware.
func NewLoggingMiddleware(l log.Logger) Middleware {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &loggingMiddleware{l: l}
}

type loggingMiddleware struct {
	l log.Logger
}

func (lm *loggingMiddleware) HandleJob(ctx context.Context, j *Job, invoker Invoker) (vfs.Response, error) {
	level.Debug(lm.l).Log("msg", "starting job", "op", j.Op(), "id", j.ID(), "seq", j.Seq())
	resp, err := invoker(ctx, j)
	level.Debug(lm.l).Log("msg", "finished job", "op", j.Op(), "id", j.ID(), "seq", j.Seq(), "err", err)
	return resp, err
}
