package config

import (
	"bytes"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
)

// Size is a byte count. In YAML it may be written as a plain number of bytes or as a string with a binary
// unit suffix, such as "256KiB", "1MiB", or "2g".
type Size int

func (s *Size) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(data, []byte{'"'}) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}

		size, err := ParseSize(str)
		if err != nil {
			return err
		}
		*s = size
		return nil
	}

	var size int
	if err := json.Unmarshal(data, &size); err != nil {
		return errors.Wrapf(err, "size %s is neither a byte count nor a size string", string(data))
	}
	*s = Size(size)
	return nil
}

func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// ParseSize converts a size string such as "64KiB" into a Size. Unit prefixes are always binary, so "1MB"
// and "1MiB" are both 1048576 bytes.
func ParseSize(str string) (Size, error) {
	size, err := units.RAMInBytes(str)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size %q", str)
	}
	return Size(size), nil
}

func sizes(in []Size) []int {
	if len(in) == 0 {
		return nil
	}

	out := make([]int, len(in))
	for index, size := range in {
		out[index] = int(size)
	}
	return out
}
