package vfs

// Object paths exported by the daemon.
const (
	DaemonPath      = "/vfsd/Daemon"
	MountPathPrefix = "/vfsd/mount/"
)

// Methods of DaemonPath.
const (
	MethodMount      = "Mount"
	MethodCancel     = "Cancel"
	MethodListMounts = "ListMounts"
)

// Methods of a mount object.
const (
	MethodOpenForRead   = "OpenForRead"
	MethodOpenForWrite  = "OpenForWrite"
	MethodPull          = "Pull"
	MethodStopMountable = "StopMountable"
	MethodCreateMonitor = "CreateMonitor"
	MethodUnmount       = "Unmount"
)

// Bus arguments and replies of the daemon's methods. Open methods return the
// client end of the channel as a file alongside OpenReply.
type (
	MountArgs struct {
		Spec       MountSpec `msgpack:"spec"`
		SourceID   string    `msgpack:"source_id"`
		SourcePath string    `msgpack:"source_path"`
	}
	MountReply struct {
		ObjectPath string `msgpack:"object_path"`
	}

	MountInfo struct {
		Spec       MountSpec `msgpack:"spec"`
		ObjectPath string    `msgpack:"object_path"`
	}
	ListMountsReply struct {
		Mounts []MountInfo `msgpack:"mounts"`
	}

	OpenForReadArgs struct {
		Path string `msgpack:"path"`
	}
	OpenForWriteArgs struct {
		Path       string   `msgpack:"path"`
		Mode       OpenMode `msgpack:"mode"`
		Etag       string   `msgpack:"etag"`
		MakeBackup bool     `msgpack:"make_backup"`
	}
	OpenReply struct {
		CanSeek       bool  `msgpack:"can_seek"`
		InitialOffset int64 `msgpack:"initial_offset"`
	}

	PullArgs struct {
		Source       string `msgpack:"source"`
		LocalPath    string `msgpack:"local_path"`
		RemoveSource bool   `msgpack:"remove_source"`
	}

	StopMountableArgs struct {
		Path       string `msgpack:"path"`
		SourceID   string `msgpack:"source_id"`
		SourcePath string `msgpack:"source_path"`
	}

	CreateMonitorArgs struct {
		Path string `msgpack:"path"`
	}
	CreateMonitorReply struct {
		ObjectPath string `msgpack:"object_path"`
	}

	UnmountArgs struct {
		SourceID   string `msgpack:"source_id"`
		SourcePath string `msgpack:"source_path"`
		Force      bool   `msgpack:"force"`
	}
)
