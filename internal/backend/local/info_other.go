//go:build !aix && !dragonfly && !linux && !solaris && !darwin && !freebsd && !netbsd && !openbsd
// +build !aix,!dragonfly,!linux,!solaris,!darwin,!freebsd,!netbsd,!openbsd

package local

import (
	"io/fs"

	"github.com/rfratto/vfsd/internal/vfs"
)

func statAttrs(vfs.FileInfo, fs.FileInfo) {}
