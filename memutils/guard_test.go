package memutils

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestCheckMargin(t *testing.T) {
	require.NoError(t, CheckMargin(0))
	require.NoError(t, CheckMargin(16))
	require.True(t, errors.Is(CheckMargin(6), MarginError))
	require.True(t, errors.Is(CheckMargin(-4), MarginError))
}

func TestMagicValue(t *testing.T) {
	buffer := make([]byte, 64)
	data := unsafe.Pointer(&buffer[0])

	WriteMagicValue(data, 0, 16)
	WriteMagicValue(data, 48, 16)

	require.True(t, ValidateMagicValue(data, 0, 16))
	require.True(t, ValidateMagicValue(data, 48, 16))
	require.False(t, ValidateMagicValue(data, 16, 16))

	// Writing into the guard region is detected
	buffer[50] = 0
	require.False(t, ValidateMagicValue(data, 48, 16))
	require.True(t, ValidateMagicValue(data, 0, 16))
}
