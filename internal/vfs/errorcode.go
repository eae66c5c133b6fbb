package vfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// Error is an error kind reported to clients. The numbering is part of the
// wire protocol: ERROR replies carry it in arg1.
type Error int32

// Known error kinds.
const (
	ErrorFailed           = Error(0)
	ErrorNotFound         = Error(1)
	ErrorExists           = Error(2)
	ErrorIsDirectory      = Error(3)
	ErrorNotDirectory     = Error(4)
	ErrorNotEmpty         = Error(5)
	ErrorNotRegularFile   = Error(6)
	ErrorFilenameTooLong  = Error(9)
	ErrorInvalidFilename  = Error(10)
	ErrorNoSpace          = Error(12)
	ErrorInvalidArgument  = Error(13)
	ErrorPermissionDenied = Error(14)
	ErrorNotSupported     = Error(15)
	ErrorNotMounted       = Error(16)
	ErrorAlreadyMounted   = Error(17)
	ErrorClosed           = Error(18)
	ErrorCancelled        = Error(19)
	ErrorPending          = Error(20)
	ErrorReadOnly         = Error(21)
	ErrorCantCreateBackup = Error(22)
	ErrorWrongEtag        = Error(23)
	ErrorTimedOut         = Error(24)
	ErrorBusy             = Error(26)
	ErrorWouldBlock       = Error(27)
	ErrorHostNotFound     = Error(28)
	ErrorStale            = Error(64)
)

var errorDescriptions = map[Error]string{
	ErrorFailed:           "operation failed",
	ErrorNotFound:         "no such file or directory",
	ErrorExists:           "file exists",
	ErrorIsDirectory:      "is a directory",
	ErrorNotDirectory:     "not a directory",
	ErrorNotEmpty:         "directory not empty",
	ErrorNotRegularFile:   "not a regular file",
	ErrorFilenameTooLong:  "filename too long",
	ErrorInvalidFilename:  "invalid filename",
	ErrorNoSpace:          "no space left on device",
	ErrorInvalidArgument:  "invalid argument",
	ErrorPermissionDenied: "permission denied",
	ErrorNotSupported:     "operation not supported by backend",
	ErrorNotMounted:       "not mounted",
	ErrorAlreadyMounted:   "already mounted",
	ErrorClosed:           "stream is closed",
	ErrorCancelled:        "operation was cancelled",
	ErrorPending:          "operation pending",
	ErrorReadOnly:         "read-only filesystem",
	ErrorCantCreateBackup: "backup file creation failed",
	ErrorWrongEtag:        "the file was externally modified",
	ErrorTimedOut:         "operation timed out",
	ErrorBusy:             "device or resource busy",
	ErrorWouldBlock:       "operation would block",
	ErrorHostNotFound:     "host not found",
	ErrorStale:            "stale backend handle",
}

// Error prints the description of the error.
func (e Error) Error() string {
	desc := errorDescriptions[e]
	if desc != "" {
		return desc
	}
	return "vfs error " + strconv.Itoa(int(e))
}

// DomainIO is the error domain used for every error raised by vfsd itself.
const DomainIO = "vfs-io"

// ErrorInfo is the domain/code/message triple delivered to clients in ERROR
// frames and bus error replies.
type ErrorInfo struct {
	Domain  string `msgpack:"domain"`
	Code    Error  `msgpack:"code"`
	Message string `msgpack:"message"`
}

// Errorf creates an ErrorInfo in DomainIO.
func Errorf(code Error, format string, args ...interface{}) *ErrorInfo {
	return &ErrorInfo{
		Domain:  DomainIO,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

func (ei *ErrorInfo) Error() string {
	if ei.Message == "" {
		return ei.Code.Error()
	}
	return ei.Message
}

// Unwrap allows errors.Is(err, ErrorNotFound) style checks against an
// ErrorInfo.
func (ei *ErrorInfo) Unwrap() error { return ei.Code }

// ToErrorInfo converts any error into an ErrorInfo. Returns nil if err is nil.
func ToErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}

	var ei *ErrorInfo
	if errors.As(err, &ei) {
		if ei.Domain == "" {
			return &ErrorInfo{Domain: DomainIO, Code: ei.Code, Message: ei.Message}
		}
		return ei
	}
	return &ErrorInfo{
		Domain:  DomainIO,
		Code:    codeForError(err),
		Message: err.Error(),
	}
}

func codeForError(err error) Error {
	switch {
	case errors.Is(err, context.Canceled):
		return ErrorCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTimedOut
	case errors.Is(err, os.ErrNotExist):
		return ErrorNotFound
	case errors.Is(err, os.ErrPermission):
		return ErrorPermissionDenied
	case errors.Is(err, os.ErrExist):
		return ErrorExists
	case errors.Is(err, os.ErrClosed):
		return ErrorClosed
	case errors.Is(err, syscall.EISDIR):
		return ErrorIsDirectory
	case errors.Is(err, syscall.ENOTDIR):
		return ErrorNotDirectory
	case errors.Is(err, syscall.ENOTEMPTY):
		return ErrorNotEmpty
	case errors.Is(err, syscall.ENOSPC):
		return ErrorNoSpace
	case errors.Is(err, syscall.ENAMETOOLONG):
		return ErrorFilenameTooLong
	case errors.Is(err, syscall.EROFS):
		return ErrorReadOnly
	case errors.Is(err, syscall.EINVAL):
		return ErrorInvalidArgument
	case errors.Is(err, syscall.EBUSY):
		return ErrorBusy
	}

	var e Error
	if errors.As(err, &e) {
		return e
	}
	return ErrorFailed
}
