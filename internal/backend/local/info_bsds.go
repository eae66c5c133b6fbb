//go:build darwin || freebsd || netbsd || openbsd
// +build darwin freebsd netbsd openbsd

package local

import (
	"io/fs"
	"syscall"

	"github.com/rfratto/vfsd/internal/vfs"
)

func statAttrs(info vfs.FileInfo, fi fs.FileInfo) {
	s, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	info[vfs.AttrUnixInode] = int64(s.Ino)
	info[vfs.AttrUnixNlink] = int64(s.Nlink)
	info[vfs.AttrUnixUID] = int64(s.Uid)
	info[vfs.AttrUnixGID] = int64(s.Gid)
	info[vfs.AttrUnixMode] = int64(s.Mode)
	info[vfs.AttrTimeAccess] = int64(s.Atimespec.Sec)
	info[vfs.AttrTimeChanged] = int64(s.Ctimespec.Sec)
}
