package local

import (
	"fmt"
	"io/fs"
	"mime"
	"path/filepath"

	"github.com/rfratto/vfsd/internal/vfs"
)

// etag identifies the contents of a file by its modification time.
func etag(fi fs.FileInfo) string {
	mt := fi.ModTime()
	return fmt.Sprintf("%d:%d", mt.Unix(), mt.Nanosecond())
}

// infoFromStat builds the attributes of fi. Platform-specific attributes are
// added by statAttrs.
func infoFromStat(fi fs.FileInfo) vfs.FileInfo {
	mt := fi.ModTime()
	info := vfs.FileInfo{
		vfs.AttrStandardName:     fi.Name(),
		vfs.AttrStandardType:     fileType(fi.Mode()),
		vfs.AttrStandardSize:     fi.Size(),
		vfs.AttrTimeModified:     mt.Unix(),
		vfs.AttrTimeModifiedUsec: int64(mt.Nanosecond() / 1000),
		vfs.AttrEtagValue:        etag(fi),
		vfs.AttrUnixMode:         int64(fi.Mode().Perm()),
	}
	if ct := mime.TypeByExtension(filepath.Ext(fi.Name())); ct != "" {
		info[vfs.AttrStandardContentType] = ct
	}
	statAttrs(info, fi)
	return info
}

func fileType(m fs.FileMode) int {
	switch {
	case m.IsRegular():
		return vfs.FileTypeRegular
	case m&fs.ModeDir != 0:
		return vfs.FileTypeDirectory
	case m&fs.ModeSymlink != 0:
		return vfs.FileTypeSymlink
	case m&(fs.ModeDevice|fs.ModeCharDevice|fs.ModeNamedPipe|fs.ModeSocket) != 0:
		return vfs.FileTypeSpecial
	default:
		return vfs.FileTypeUnknown
	}
}
