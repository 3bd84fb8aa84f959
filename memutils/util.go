package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// Number is any integer type that alignment math can be performed on
type Number interface {
	constraints.Integer
}

// CheckPow2 returns a PowerOfTwoError if number is not a power of two. Zero is
// accepted, since it means "no alignment" throughout this module.
func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp(value int, alignment uint) int {
	if alignment <= 1 {
		return value
	}
	DebugCheckPow2(alignment, "alignment")
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to the previous multiple of alignment, which must be a power of two
func AlignDown(value int, alignment uint) int {
	if alignment <= 1 {
		return value
	}
	DebugCheckPow2(alignment, "alignment")
	return value & int(^(alignment - 1))
}

// IsPow2 reports whether value is a nonzero power of two
func IsPow2[T Number](value T) bool {
	return value > 0 && value&(value-1) == 0
}

// Clamp restricts value to the range [low, high]. A high of zero or less means unbounded.
func Clamp[T Number](value, low, high T) T {
	if value < low {
		value = low
	}
	if high > 0 && value > high {
		value = high
	}
	return value
}

// BlocksOnSamePage reports whether the end of the resource at resourceAOffset/resourceASize and the start of
// the resource at resourceBOffset share a page of the provided size. Resource A must sit before resource B.
func BlocksOnSamePage(resourceAOffset, resourceASize, resourceBOffset int, pageSize uint) bool {
	if pageSize <= 1 {
		return false
	}
	resourceAEnd := resourceAOffset + resourceASize - 1
	resourceAEndPage := AlignDown(resourceAEnd, pageSize)
	resourceBStartPage := AlignDown(resourceBOffset, pageSize)
	return resourceAEndPage == resourceBStartPage
}
