package workload

import (
	"bytes"
	"fmt"
	"strconv"
)

// Pattern renders the payload of append n: "<prefix>:<n>".
func Pattern(prefix string, n uint64) []byte {
	return []byte(fmt.Sprintf("%s:%d", prefix, n))
}

// Fill zeroes dst and writes the pattern for n at its start.
func Fill(dst []byte, prefix string, n uint64) error {
	p := Pattern(prefix, n)
	if len(p) > len(dst) {
		return fmt.Errorf("pattern %q does not fit in %d bytes", p, len(dst))
	}
	clear(dst)
	copy(dst, p)
	return nil
}

// ParsePattern recovers prefix and n from a block written by Fill. Trailing
// zero padding is ignored.
func ParsePattern(block []byte) (string, uint64, bool) {
	if i := bytes.IndexByte(block, 0); i >= 0 {
		block = block[:i]
	}
	sep := bytes.LastIndexByte(block, ':')
	if sep < 0 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(string(block[sep+1:]), 10, 64)
	if err != nil {
		return "", 0, false
	}
	return string(block[:sep]), n, true
}
