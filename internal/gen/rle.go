package gen

import (
	"encoding/binary"
	"fmt"
)

// AppendRLE appends values as (zigzag value, run length) uvarint pairs.
func AppendRLE(dst []byte, values []int64) []byte {
	i := 0
	for i < len(values) {
		v := values[i]
		run := 1
		for j := i + 1; j < len(values) && values[j] == v && run < 1<<31; j++ {
			run++
		}
		dst = binary.AppendVarint(dst, v)
		dst = binary.AppendUvarint(dst, uint64(run))
		i += run
	}
	return dst
}

// DecodeRLE expands pairs written by AppendRLE. limit caps the number of
// decoded values.
func DecodeRLE(raw []byte, limit int) ([]int64, error) {
	var out []int64
	for i := 0; i < len(raw); {
		v, n := binary.Varint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		if run == 0 || uint64(len(out))+run > uint64(limit) {
			return nil, fmt.Errorf("run of %d exceeds %d values", run, limit)
		}
		for k := uint64(0); k < run; k++ {
			out = append(out, v)
		}
	}
	return out, nil
}
