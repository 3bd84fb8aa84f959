package driver

import "github.com/cockroachdb/errors"

// Driver implementations return errors marked with one of these sentinels so that callers can classify
// failures with errors.Is regardless of the underlying graphics API.
var (
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	ErrOutOfHostMemory   = errors.New("out of host memory")
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrMemoryMapFailed   = errors.New("memory map failed")
	ErrTooManyObjects    = errors.New("too many objects")
)
