package vfsd

import (
	"sync"

	"github.com/rfratto/vfsd/internal/vfs/job"
)

// jobKey identifies the bus call that created a job.
type jobKey struct {
	peer   string
	serial uint32
}

// jobTracker indexes running bus jobs by their calls so they can be
// canceled by the caller or when the caller disconnects.
type jobTracker struct {
	mut  sync.Mutex
	jobs map[jobKey]*job.Job
}

func newJobTracker() *jobTracker {
	return &jobTracker{jobs: make(map[jobKey]*job.Job)}
}

// Track indexes j until it finishes.
func (t *jobTracker) Track(peer string, serial uint32, j *job.Job) {
	key := jobKey{peer: peer, serial: serial}

	t.mut.Lock()
	t.jobs[key] = j
	t.mut.Unlock()

	j.OnFinished(func(*job.Job) {
		t.mut.Lock()
		defer t.mut.Unlock()
		if t.jobs[key] == j {
			delete(t.jobs, key)
		}
	})
}

// Cancel cancels the job created by the call serial of peer. Returns false
// if there is no such job.
func (t *jobTracker) Cancel(peer string, serial uint32) bool {
	t.mut.Lock()
	j, ok := t.jobs[jobKey{peer: peer, serial: serial}]
	t.mut.Unlock()

	if ok {
		j.Cancel()
	}
	return ok
}

// CancelPeer cancels every job created by peer and returns how many there
// were.
func (t *jobTracker) CancelPeer(peer string) int {
	var cancel []*job.Job

	t.mut.Lock()
	for key, j := range t.jobs {
		if key.peer == peer {
			cancel = append(cancel, j)
		}
	}
	t.mut.Unlock()

	for _, j := range cancel {
		j.Cancel()
	}
	return len(cancel)
}

// Len returns the number of tracked jobs.
func (t *jobTracker) Len() int {
	t.mut.Lock()
	defer t.mut.Unlock()
	return len(t.jobs)
}
