package vfs

import (
	"fmt"
	"sort"
	"strings"
)

// Op is the kind of operation a job performs.
type Op uint32

// Operations known to vfsd.
const (
	OpMount Op = iota + 1
	OpUnmount
	OpOpenForRead
	OpOpenForWrite
	OpRead
	OpWrite
	OpSeekOnRead
	OpSeekOnWrite
	OpCloseRead
	OpCloseWrite
	OpQueryInfoOnRead
	OpQueryInfoOnWrite
	OpTruncate
	OpPull
	OpStopMountable
	OpCreateMonitor
	OpError
)

var opNames = map[Op]string{
	OpMount:            "mount",
	OpUnmount:          "unmount",
	OpOpenForRead:      "open-for-read",
	OpOpenForWrite:     "open-for-write",
	OpRead:             "read",
	OpWrite:            "write",
	OpSeekOnRead:       "seek-on-read",
	OpSeekOnWrite:      "seek-on-write",
	OpCloseRead:        "close-read",
	OpCloseWrite:       "close-write",
	OpQueryInfoOnRead:  "query-info-on-read",
	OpQueryInfoOnWrite: "query-info-on-write",
	OpTruncate:         "truncate",
	OpPull:             "pull",
	OpStopMountable:    "stop-mountable",
	OpCreateMonitor:    "create-monitor",
	OpError:            "error",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Op(%d)", uint32(o))
}

// UsesHandle reports whether jobs of this kind act on an opened backend
// handle.
func (o Op) UsesHandle() bool {
	switch o {
	case OpRead, OpWrite,
		OpSeekOnRead, OpSeekOnWrite,
		OpCloseRead, OpCloseWrite,
		OpQueryInfoOnRead, OpQueryInfoOnWrite,
		OpTruncate:
		return true
	default:
		return false
	}
}

// IsOpen reports whether o opens a new backend handle.
func (o Op) IsOpen() bool { return o == OpOpenForRead || o == OpOpenForWrite }

// IsClose reports whether o releases a backend handle.
func (o Op) IsClose() bool { return o == OpCloseRead || o == OpCloseWrite }

// MountSpec identifies a mount: a backend type plus a set of key/value
// items. Two specs are equal when their type and items are equal.
type MountSpec struct {
	Type  string            `msgpack:"type" yaml:"type"`
	Items map[string]string `msgpack:"items" yaml:"items"`
}

// Get returns the item named key, or an empty string.
func (s MountSpec) Get(key string) string { return s.Items[key] }

// String returns a stable representation of s, usable as a map key.
func (s MountSpec) String() string {
	keys := make([]string, 0, len(s.Items))
	for k := range s.Items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(s.Type)
	for i, k := range keys {
		if i == 0 {
			sb.WriteByte(':')
		} else {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(s.Items[k])
	}
	return sb.String()
}

// Well-known file attributes.
const (
	AttrStandardName        = "standard::name"
	AttrStandardType        = "standard::type"
	AttrStandardSize        = "standard::size"
	AttrStandardContentType = "standard::content-type"
	AttrTimeModified        = "time::modified"
	AttrTimeModifiedUsec    = "time::modified-usec"
	AttrTimeAccess          = "time::access"
	AttrTimeChanged         = "time::changed"
	AttrEtagValue           = "etag::value"
	AttrUnixMode            = "unix::mode"
	AttrUnixUID             = "unix::uid"
	AttrUnixGID             = "unix::gid"
	AttrUnixInode           = "unix::inode"
	AttrUnixNlink           = "unix::nlink"
	AttrAccessCanRead       = "access::can-read"
	AttrAccessCanWrite      = "access::can-write"
)

// FileType values stored under AttrStandardType.
const (
	FileTypeUnknown   = 0
	FileTypeRegular   = 1
	FileTypeDirectory = 2
	FileTypeSymlink   = 3
	FileTypeSpecial   = 4
)

// FileInfo is a set of file attributes keyed by "namespace::name". It is sent
// msgpack-encoded in INFO replies.
type FileInfo map[string]interface{}

// Filter returns the subset of fi matched by m.
func (fi FileInfo) Filter(m *AttributeMatcher) FileInfo {
	out := make(FileInfo, len(fi))
	for k, v := range fi {
		if m.Matches(k) {
			out[k] = v
		}
	}
	return out
}

// GetString returns the string attribute attr.
func (fi FileInfo) GetString(attr string) (string, bool) {
	s, ok := fi[attr].(string)
	return s, ok
}

// GetInt64 returns the integer attribute attr, whichever integer width it was
// decoded as.
func (fi FileInfo) GetInt64(attr string) (int64, bool) {
	switch v := fi[attr].(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	default:
		return 0, false
	}
}

// AttributeMatcher matches attribute names against a comma-separated list of
// patterns. A pattern is "*", "namespace::*" or a full attribute name.
type AttributeMatcher struct {
	all        bool
	namespaces map[string]struct{}
	names      map[string]struct{}
}

// NewAttributeMatcher parses a matcher from its string form. An empty string
// matches nothing.
func NewAttributeMatcher(s string) *AttributeMatcher {
	m := &AttributeMatcher{
		namespaces: make(map[string]struct{}),
		names:      make(map[string]struct{}),
	}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
			continue
		case p == "*":
			m.all = true
		case strings.HasSuffix(p, "::*"):
			m.namespaces[strings.TrimSuffix(p, "::*")] = struct{}{}
		default:
			m.names[p] = struct{}{}
		}
	}
	return m
}

// Matches returns true if attr is selected by m.
func (m *AttributeMatcher) Matches(attr string) bool {
	if m.all {
		return true
	}
	if _, ok := m.names[attr]; ok {
		return true
	}
	if idx := strings.Index(attr, "::"); idx >= 0 {
		_, ok := m.namespaces[attr[:idx]]
		return ok
	}
	return false
}
