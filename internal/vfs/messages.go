package vfs

// OpenMode selects how OpenForWrite treats an existing file.
type OpenMode uint32

const (
	// OpenCreate creates a new file and fails with ErrorExists if it exists.
	OpenCreate OpenMode = iota
	// OpenAppend opens the file for appending, creating it if needed.
	OpenAppend
	// OpenReplace atomically replaces the file when the handle is closed.
	OpenReplace
)

func (m OpenMode) String() string {
	switch m {
	case OpenCreate:
		return "create"
	case OpenAppend:
		return "append"
	case OpenReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Whence is the reference point of a seek.
type Whence int

const (
	SeekSet Whence = iota // Relative to the start of the file.
	SeekEnd               // Relative to the end of the file.
)

// Request and response types. Each request type is used by exactly one or two
// operations (the read and write variants of seek, close and query-info
// share theirs).
type (
	MountRequest struct {
		Spec MountSpec
	}

	UnmountRequest struct {
		Force bool
	}

	OpenForReadRequest struct {
		Path string
	}

	OpenForWriteRequest struct {
		Path       string
		Mode       OpenMode
		Etag       string // For OpenReplace: expected etag of the existing file.
		MakeBackup bool   // For OpenReplace: keep the old file as a backup.
	}

	// OpenedResponse is returned by a backend on a successful open. Handle is
	// the backend's private state for the opened file.
	OpenedResponse struct {
		Handle        interface{}
		CanSeek       bool
		InitialOffset int64
	}

	ReadRequest struct {
		Size int
	}
	ReadResponse struct {
		Data []byte // Empty at end of file.
	}

	WriteRequest struct {
		Data []byte
	}
	WriteResponse struct {
		Written int
	}

	SeekRequest struct {
		Offset int64
		Whence Whence
	}
	SeekResponse struct {
		Offset int64 // Absolute position after the seek.
	}

	CloseRequest struct{}
	CloseResponse struct {
		Etag string
	}

	QueryInfoRequest struct {
		Attributes string // Attribute matcher string.
	}
	InfoResponse struct {
		Info FileInfo
	}

	TruncateRequest struct {
		Size int64
	}

	PullRequest struct {
		Source       string
		LocalPath    string
		RemoveSource bool
	}

	StopMountableRequest struct {
		Path string
	}

	CreateMonitorRequest struct {
		Path string
	}
	CreateMonitorResponse struct {
		ObjectPath string
	}

	// ErrorRequest is the request of an error job: a job that exists only to
	// deliver Err to its source.
	ErrorRequest struct {
		Err *ErrorInfo
	}
)

func (*MountRequest) vfsRequest()         {}
func (*UnmountRequest) vfsRequest()       {}
func (*OpenForReadRequest) vfsRequest()   {}
func (*OpenForWriteRequest) vfsRequest()  {}
func (*ReadRequest) vfsRequest()          {}
func (*WriteRequest) vfsRequest()         {}
func (*SeekRequest) vfsRequest()          {}
func (*CloseRequest) vfsRequest()         {}
func (*QueryInfoRequest) vfsRequest()     {}
func (*TruncateRequest) vfsRequest()      {}
func (*PullRequest) vfsRequest()          {}
func (*StopMountableRequest) vfsRequest() {}
func (*CreateMonitorRequest) vfsRequest() {}
func (*ErrorRequest) vfsRequest()         {}

func (*OpenedResponse) vfsResponse()        {}
func (*ReadResponse) vfsResponse()          {}
func (*WriteResponse) vfsResponse()         {}
func (*SeekResponse) vfsResponse()          {}
func (*CloseResponse) vfsResponse()         {}
func (*InfoResponse) vfsResponse()          {}
func (*CreateMonitorResponse) vfsResponse() {}
