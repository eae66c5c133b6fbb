// Package mountsource lets backends interact with the user who asked for a
// mount or unmount. A Source forwards password prompts, questions and process
// lists to a mount operation object exported by the client on the bus.
package mountsource

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rfratto/vfsd/internal/vfs"
)

// DefaultTimeout bounds how long a prompt may wait for the user.
const DefaultTimeout = 30 * time.Minute

// Caller is a bus connection to the client owning a mount operation object.
type Caller interface {
	Call(ctx context.Context, path, member string, args, reply interface{}, files ...*os.File) ([]*os.File, error)
	Emit(path, member string, args interface{}) error
}

// Peers resolves bus peers by unique name.
type Peers interface {
	Peer(id string) (Caller, bool)
}

// PasswordFlags describe which fields a password prompt asks for.
type PasswordFlags uint32

const (
	PasswordNeedPassword PasswordFlags = 1 << iota
	PasswordNeedUsername
	PasswordNeedDomain
	PasswordSavingSupported
	PasswordAnonymousSupported
)

// PasswordSave is how long the user asked for a password to be remembered.
type PasswordSave uint32

const (
	PasswordSaveNever PasswordSave = iota
	PasswordSaveForSession
	PasswordSavePermanently
)

// PasswordReply is the user's answer to a password prompt.
type PasswordReply struct {
	Aborted   bool
	Password  string
	Username  string
	Domain    string
	Anonymous bool
	Save      PasswordSave
}

// QuestionReply is the user's answer to a question or process list.
type QuestionReply struct {
	Aborted bool
	Choice  int
}

// Bus messages exchanged with the client's mount operation object.
type (
	AskPasswordArgs struct {
		Message       string        `msgpack:"message"`
		DefaultUser   string        `msgpack:"default_user"`
		DefaultDomain string        `msgpack:"default_domain"`
		Flags         PasswordFlags `msgpack:"flags"`
	}
	AskPasswordResult struct {
		Handled      bool         `msgpack:"handled"`
		Aborted      bool         `msgpack:"aborted"`
		Password     string       `msgpack:"password"`
		Username     string       `msgpack:"username"`
		Domain       string       `msgpack:"domain"`
		Anonymous    bool         `msgpack:"anonymous"`
		PasswordSave PasswordSave `msgpack:"password_save"`
	}

	AskQuestionArgs struct {
		Message string   `msgpack:"message"`
		Choices []string `msgpack:"choices"`
	}
	ShowProcessesArgs struct {
		Message   string   `msgpack:"message"`
		Choices   []string `msgpack:"choices"`
		Processes []int32  `msgpack:"processes"`
	}
	ChoiceResult struct {
		Handled bool `msgpack:"handled"`
		Aborted bool `msgpack:"aborted"`
		Choice  int  `msgpack:"choice"`
	}

	ShowUnmountProgressArgs struct {
		Message      string `msgpack:"message"`
		TimeLeftUsec int64  `msgpack:"time_left_usec"`
		BytesLeft    int64  `msgpack:"bytes_left"`
	}
)

// Methods of the client's mount operation object.
const (
	MethodAskPassword         = "AskPassword"
	MethodAskQuestion         = "AskQuestion"
	MethodShowProcesses       = "ShowProcesses"
	MethodShowUnmountProgress = "ShowUnmountProgress"
	MethodAborted             = "Aborted"
)

// Source is a handle to the client's mount operation.
type Source struct {
	peers      Peers
	id         string
	objectPath string

	mut     sync.Mutex
	nextReq int
	pending map[int]context.CancelFunc
}

// New creates a Source talking to objectPath on the peer named id.
func New(peers Peers, id, objectPath string) *Source {
	return &Source{
		peers:      peers,
		id:         id,
		objectPath: objectPath,
		pending:    make(map[int]context.CancelFunc),
	}
}

// NewDummy returns a Source with no client behind it. Every prompt on a dummy
// source fails.
func NewDummy() *Source { return New(nil, "", "/") }

// IsDummy returns true if s has no client behind it.
func (s *Source) IsDummy() bool { return s.id == "" }

// ID returns the bus name of the client.
func (s *Source) ID() string { return s.id }

// ObjectPath returns the path of the client's mount operation object.
func (s *Source) ObjectPath() string { return s.objectPath }

func errInternal() error { return vfs.Errorf(vfs.ErrorFailed, "Internal Error") }

// call invokes method on the client's mount operation, tracking it so Abort
// can cancel it.
func (s *Source) call(ctx context.Context, method string, args, reply interface{}) error {
	if s.IsDummy() || s.peers == nil {
		return errInternal()
	}
	peer, ok := s.peers.Peer(s.id)
	if !ok {
		return vfs.Errorf(vfs.ErrorFailed, "mount operation client %s is gone", s.id)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	s.mut.Lock()
	req := s.nextReq
	s.nextReq++
	s.pending[req] = cancel
	s.mut.Unlock()

	defer func() {
		s.mut.Lock()
		delete(s.pending, req)
		s.mut.Unlock()
	}()

	_, err := peer.Call(ctx, s.objectPath, method, args, reply)
	if err != nil && ctx.Err() == context.Canceled {
		return vfs.Errorf(vfs.ErrorCancelled, "prompt was aborted")
	}
	return err
}

// AskPasswordAsync prompts for credentials. cb is called from another
// goroutine once the user answers. On error the reply is marked aborted.
func (s *Source) AskPasswordAsync(ctx context.Context, message, defaultUser, defaultDomain string, flags PasswordFlags, cb func(PasswordReply, error)) {
	go func() {
		var res AskPasswordResult
		err := s.call(ctx, MethodAskPassword, AskPasswordArgs{
			Message:       message,
			DefaultUser:   defaultUser,
			DefaultDomain: defaultDomain,
			Flags:         flags,
		}, &res)
		if err == nil && !res.Handled {
			err = errInternal()
		}
		if err != nil {
			cb(PasswordReply{Aborted: true}, err)
			return
		}

		reply := PasswordReply{
			Aborted:   res.Aborted,
			Anonymous: res.Anonymous,
			Save:      res.PasswordSave,
		}
		if !res.Anonymous {
			reply.Password = res.Password
			reply.Username = res.Username
			reply.Domain = res.Domain
		}
		cb(reply, nil)
	}()
}

// AskPassword is the synchronous form of AskPasswordAsync.
func (s *Source) AskPassword(ctx context.Context, message, defaultUser, defaultDomain string, flags PasswordFlags) (PasswordReply, error) {
	type result struct {
		reply PasswordReply
		err   error
	}
	ch := make(chan result, 1)
	s.AskPasswordAsync(ctx, message, defaultUser, defaultDomain, flags, func(r PasswordReply, err error) {
		ch <- result{r, err}
	})
	r := <-ch
	return r.reply, r.err
}

// AskQuestionAsync asks the user to pick one of choices. cb is called from
// another goroutine once the user answers.
func (s *Source) AskQuestionAsync(ctx context.Context, message string, choices []string, cb func(QuestionReply, error)) {
	go func() {
		cb(s.choice(ctx, MethodAskQuestion, AskQuestionArgs{Message: message, Choices: choices}))
	}()
}

// AskQuestion is the synchronous form of AskQuestionAsync.
func (s *Source) AskQuestion(ctx context.Context, message string, choices []string) (QuestionReply, error) {
	return s.waitChoice(func(cb func(QuestionReply, error)) {
		s.AskQuestionAsync(ctx, message, choices, cb)
	})
}

// ShowProcessesAsync shows the processes blocking an operation and lets the
// user pick one of choices.
func (s *Source) ShowProcessesAsync(ctx context.Context, message string, processes []int32, choices []string, cb func(QuestionReply, error)) {
	go func() {
		cb(s.choice(ctx, MethodShowProcesses, ShowProcessesArgs{
			Message:   message,
			Choices:   choices,
			Processes: processes,
		}))
	}()
}

// ShowProcesses is the synchronous form of ShowProcessesAsync.
func (s *Source) ShowProcesses(ctx context.Context, message string, processes []int32, choices []string) (QuestionReply, error) {
	return s.waitChoice(func(cb func(QuestionReply, error)) {
		s.ShowProcessesAsync(ctx, message, processes, choices, cb)
	})
}

func (s *Source) choice(ctx context.Context, method string, args interface{}) (QuestionReply, error) {
	var res ChoiceResult
	err := s.call(ctx, method, args, &res)
	if err == nil && !res.Handled {
		err = errInternal()
	}
	if err != nil {
		return QuestionReply{Aborted: true}, err
	}
	return QuestionReply{Aborted: res.Aborted, Choice: res.Choice}, nil
}

func (s *Source) waitChoice(start func(cb func(QuestionReply, error))) (QuestionReply, error) {
	type result struct {
		reply QuestionReply
		err   error
	}
	ch := make(chan result, 1)
	start(func(r QuestionReply, err error) { ch <- result{r, err} })
	r := <-ch
	return r.reply, r.err
}

// ShowUnmountProgress tells the client how an unmount is progressing. It
// doesn't wait for the client.
func (s *Source) ShowUnmountProgress(message string, timeLeft time.Duration, bytesLeft int64) {
	if s.IsDummy() || s.peers == nil {
		return
	}
	peer, ok := s.peers.Peer(s.id)
	if !ok {
		return
	}
	_ = peer.Emit(s.objectPath, MethodShowUnmountProgress, ShowUnmountProgressArgs{
		Message:      message,
		TimeLeftUsec: timeLeft.Microseconds(),
		BytesLeft:    bytesLeft,
	})
}

// Abort cancels every in-flight prompt (which then report aborted) and tells
// the client to dismiss its UI. Returns false for dummy sources.
func (s *Source) Abort() bool {
	if s.IsDummy() {
		return false
	}

	s.mut.Lock()
	for _, cancel := range s.pending {
		cancel()
	}
	s.mut.Unlock()

	if s.peers != nil {
		if peer, ok := s.peers.Peer(s.id); ok {
			_ = peer.Emit(s.objectPath, MethodAborted, nil)
		}
	}
	return true
}
