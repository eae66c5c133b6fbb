package local

import (
	"context"
	"path"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/rfratto/vfsd/internal/monitor"
	"github.com/rfratto/vfsd/internal/vfs"
)

// dirMonitor reports changes below dir.
type dirMonitor struct {
	dir string
	m   *monitor.Monitor
}

func (dm *dirMonitor) covers(p string) bool {
	if dm.dir == "/" || p == dm.dir {
		return true
	}
	return strings.HasPrefix(p, dm.dir+"/")
}

// CreateMonitor attaches m to path. Changes made through the backend to path
// or anything below it are emitted on m.
func (b *Backend) CreateMonitor(ctx context.Context, req *vfs.CreateMonitorRequest, m *monitor.Monitor) error {
	if _, err := b.resolve(req.Path); err != nil {
		return err
	}

	b.mut.Lock()
	defer b.mut.Unlock()
	b.monitors = append(b.monitors, &dirMonitor{dir: cleanPath(req.Path), m: m})
	return nil
}

// RemoveMonitor detaches m. Returns false if m wasn't attached.
func (b *Backend) RemoveMonitor(m *monitor.Monitor) bool {
	b.mut.Lock()
	defer b.mut.Unlock()

	for i, dm := range b.monitors {
		if dm.m == m {
			b.monitors = append(b.monitors[:i], b.monitors[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Backend) notify(ev monitor.Event, p string) {
	b.mut.Lock()
	var targets []*dirMonitor
	for _, dm := range b.monitors {
		if dm.covers(p) {
			targets = append(targets, dm)
		}
	}
	b.mut.Unlock()

	for _, dm := range targets {
		if err := dm.m.Emit(ev, path.Clean(p), ""); err != nil {
			level.Warn(b.log).Log("msg", "failed to emit change", "event", ev, "path", p, "err", err)
		}
	}
}
