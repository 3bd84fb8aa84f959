package memutils

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestAlignUp(t *testing.T) {
	testCases := []struct {
		value     int
		alignment uint
		expected  int
	}{
		{value: 0, alignment: 256, expected: 0},
		{value: 1, alignment: 256, expected: 256},
		{value: 256, alignment: 256, expected: 256},
		{value: 257, alignment: 256, expected: 512},
		{value: 300 * 1024, alignment: 256 * 1024, expected: 512 * 1024},
		{value: 13, alignment: 1, expected: 13},
		{value: 13, alignment: 0, expected: 13},
	}

	for _, testCase := range testCases {
		require.Equal(t, testCase.expected, AlignUp(testCase.value, testCase.alignment))
	}
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 0, AlignDown(255, 256))
	require.Equal(t, 256, AlignDown(511, 256))
	require.Equal(t, 512, AlignDown(512, 256))
	require.Equal(t, 7, AlignDown(7, 0))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, CheckPow2(uint(0), "alignment"))
	require.NoError(t, CheckPow2(uint(1), "alignment"))
	require.NoError(t, CheckPow2(4096, "alignment"))

	err := CheckPow2(uint(48), "alignment")
	require.Error(t, err)
	require.True(t, errors.Is(err, PowerOfTwoError))
	require.ErrorContains(t, err, "alignment is 48")
}

func TestIsPow2(t *testing.T) {
	require.False(t, IsPow2(0))
	require.True(t, IsPow2(1))
	require.True(t, IsPow2(uint64(1)<<40))
	require.False(t, IsPow2(-4))
	require.False(t, IsPow2(12))
}

func TestClamp(t *testing.T) {
	require.Equal(t, 10, Clamp(5, 10, 20))
	require.Equal(t, 20, Clamp(25, 10, 20))
	require.Equal(t, 15, Clamp(15, 10, 20))
	require.Equal(t, 1<<30, Clamp(1<<30, 10, 0))
}

func TestBlocksOnSamePage(t *testing.T) {
	require.True(t, BlocksOnSamePage(0, 100, 200, 1024))
	require.False(t, BlocksOnSamePage(0, 1024, 1024, 1024))
	require.True(t, BlocksOnSamePage(0, 1025, 1100, 1024))
	require.False(t, BlocksOnSamePage(0, 100, 200, 1))
}
