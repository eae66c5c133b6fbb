package client

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/vfsd/internal/bus"
	"github.com/rfratto/vfsd/internal/mountsource"
	"github.com/rfratto/vfsd/internal/vfs"
)

// MountOperation answers the questions a backend asks while mounting or
// unmounting. A method returning Handled false leaves the question
// unanswered, which fails the operation.
type MountOperation interface {
	AskPassword(ctx context.Context, args mountsource.AskPasswordArgs) mountsource.AskPasswordResult
	AskQuestion(ctx context.Context, args mountsource.AskQuestionArgs) mountsource.ChoiceResult
	ShowProcesses(ctx context.Context, args mountsource.ShowProcessesArgs) mountsource.ChoiceResult
	ShowUnmountProgress(args mountsource.ShowUnmountProgressArgs)

	// Aborted is called when the daemon no longer needs an answer to any
	// outstanding question.
	Aborted()
}

// UnhandledOperation implements MountOperation, leaving every question
// unanswered. Embed it to implement a subset of questions.
type UnhandledOperation struct{}

var _ MountOperation = UnhandledOperation{}

func (UnhandledOperation) AskPassword(context.Context, mountsource.AskPasswordArgs) mountsource.AskPasswordResult {
	return mountsource.AskPasswordResult{}
}

func (UnhandledOperation) AskQuestion(context.Context, mountsource.AskQuestionArgs) mountsource.ChoiceResult {
	return mountsource.ChoiceResult{}
}

func (UnhandledOperation) ShowProcesses(context.Context, mountsource.ShowProcessesArgs) mountsource.ChoiceResult {
	return mountsource.ChoiceResult{}
}

func (UnhandledOperation) ShowUnmountProgress(mountsource.ShowUnmountProgressArgs) {}
func (UnhandledOperation) Aborted() {}

type operationHandler struct {
	log log.Logger
	op  MountOperation
}

// ServeBus implements bus.Handler.
func (h *operationHandler) ServeBus(inv *bus.Invocation) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-inv.Conn().Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	var (
		reply interface{}
		err   error
	)

	switch inv.Member() {
	case mountsource.MethodAskPassword:
		var args mountsource.AskPasswordArgs
		if err = inv.Decode(&args); err == nil {
			reply = h.op.AskPassword(ctx, args)
		}
	case mountsource.MethodAskQuestion:
		var args mountsource.AskQuestionArgs
		if err = inv.Decode(&args); err == nil {
			reply = h.op.AskQuestion(ctx, args)
		}
	case mountsource.MethodShowProcesses:
		var args mountsource.ShowProcessesArgs
		if err = inv.Decode(&args); err == nil {
			reply = h.op.ShowProcesses(ctx, args)
		}
	case mountsource.MethodShowUnmountProgress:
		var args mountsource.ShowUnmountProgressArgs
		if err = inv.Decode(&args); err == nil {
			h.op.ShowUnmountProgress(args)
		}
	case mountsource.MethodAborted:
		h.op.Aborted()
	default:
		err = vfs.Errorf(vfs.ErrorNotSupported, "unknown method %s", inv.Member())
	}

	if err != nil {
		level.Debug(h.log).Log("msg", "mount operation call failed", "method", inv.Member(), "err", err)
		_ = inv.ReturnError(err)
		return
	}
	_ = inv.Return(reply)
}
