package errors

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"syscall"

	"github.com/hashicorp/go-multierror"
)

// NewListSourceError reports a whitelist or blacklist that cannot be used.
func NewListSourceError(list, reason string) *SeaError {
	return NewError(ErrCodeInvalidListSource, fmt.Sprintf("invalid %s: %s", list, reason)).
		WithComponent("config").
		WithDetail("list", list)
}

// NewCapacityExhausted reports that no mountpoint can hold minFree bytes.
func NewCapacityExhausted(minFree uint64) *SeaError {
	return NewError(ErrCodeCapacityExhausted,
		fmt.Sprintf("no mountpoint has room for %d bytes", minFree)).
		WithComponent("tier").
		WithOperation("select").
		WithDetail("min_free", minFree)
}

// NewPartialTierFailure aggregates per-mountpoint failures of a mirrored operation.
func NewPartialTierFailure(op, rel string, failures *multierror.Error, succeeded int) *SeaError {
	return NewError(ErrCodePartialTierFailure,
		fmt.Sprintf("%s succeeded on %d mountpoints, failed on %d", op, succeeded, failures.Len())).
		WithComponent("hfs").
		WithOperation(op).
		WithPath(rel).
		WithCause(failures.ErrorOrNil()).
		WithDetail("succeeded", succeeded)
}

// WrapIO wraps an OS error from a physical path, keeping its errno reachable.
func WrapIO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return NewError(ErrCodeIO, "i/o failure").
		WithComponent("hfs").
		WithOperation(op).
		WithPath(path).
		WithCause(err)
}

// Errno maps an error to the status code returned to the kernel.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var seaErr *SeaError
	if stderrors.As(err, &seaErr) {
		switch seaErr.Code {
		case ErrCodeCapacityExhausted:
			return syscall.ENOSPC
		case ErrCodePartialTierFailure:
			return syscall.EIO
		case ErrCodeFileNotFound:
			return syscall.ENOENT
		case ErrCodePermissionDenied:
			return syscall.EACCES
		case ErrCodePathInvalid:
			return syscall.EINVAL
		}
	}

	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return errno
	}

	switch {
	case stderrors.Is(err, fs.ErrNotExist):
		return syscall.ENOENT
	case stderrors.Is(err, fs.ErrExist):
		return syscall.EEXIST
	case stderrors.Is(err, fs.ErrPermission):
		return syscall.EACCES
	case stderrors.Is(err, fs.ErrInvalid):
		return syscall.EINVAL
	}
	return syscall.EIO
}

// IsOutOfSpace reports whether err means the target device or quota is full.
func IsOutOfSpace(err error) bool {
	if err == nil {
		return false
	}
	if HasCode(err, ErrCodeCapacityExhausted) {
		return true
	}
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return errno == syscall.ENOSPC || errno == syscall.EDQUOT
	}
	return false
}
