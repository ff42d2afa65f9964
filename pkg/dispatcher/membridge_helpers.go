package dispatcher

import "github.com/bvisor/bvisor/pkg/membridge"

// membridgeReadUintptr reads one 64-bit guest word, used for iovec base/len
// fields (spec.md §4.9 readv/writev handler summaries).
func membridgeReadUintptr(b *membridge.Bridge, addr uintptr) (uintptr, error) {
	v, err := membridge.ReadValue[uint64](b, addr)
	if err != nil {
		return 0, err
	}
	return uintptr(v), nil
}

// membridgeWriteStat writes a synthesized stat buffer into guest memory
// (SPEC_FULL.md §4.9 fstat/newfstatat handler).
func membridgeWriteStat(b *membridge.Bridge, addr uintptr, sb statBuf) error {
	return membridge.WriteValue(b, addr, sb)
}
