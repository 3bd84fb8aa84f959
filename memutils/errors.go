package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is returned by CheckPow2 when an alignment or granularity is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// MarginError is returned by CheckMargin when a debug margin cannot be used to guard allocations
var MarginError error = errors.New("debug margin must be a non-negative multiple of 4")
