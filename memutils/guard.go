package memutils

import (
	"unsafe"
)

// CorruptionDetectionMagicValue is the 4-byte pattern copied across the debug margin on both sides of
// every guarded allocation
const CorruptionDetectionMagicValue uint32 = 0x7F84E666

const magicValueSize = int(unsafe.Sizeof(uint32(0)))

// CheckMargin returns MarginError if margin cannot be used as a guard width
func CheckMargin(margin int) error {
	if margin < 0 || margin%magicValueSize != 0 {
		return MarginError
	}
	return nil
}

// WriteMagicValue writes the corruption marker across margin bytes at the provided pointer and offset
func WriteMagicValue(data unsafe.Pointer, offset int, margin int) {
	dest := unsafe.Add(data, offset)
	for i := 0; i < margin/magicValueSize; i++ {
		*(*uint32)(dest) = CorruptionDetectionMagicValue
		dest = unsafe.Add(dest, magicValueSize)
	}
}

// ValidateMagicValue verifies that the marker written by WriteMagicValue is still present across margin bytes.
// It returns true if the value is still present and false otherwise.
func ValidateMagicValue(data unsafe.Pointer, offset int, margin int) bool {
	source := unsafe.Add(data, offset)
	for i := 0; i < margin/magicValueSize; i++ {
		if *(*uint32)(source) != CorruptionDetectionMagicValue {
			return false
		}
		source = unsafe.Add(source, magicValueSize)
	}

	return true
}
