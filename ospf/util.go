package ospf

import (
	"encoding/binary"
	"math/bits"
	"net/netip"

	"golang.org/x/exp/constraints"
)

func abs[T constraints.Signed](a T) T {
	if a < 0 {
		return -a
	} else {
		return a
	}
}

func maskFromBits(n int) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ^uint32(0)<<(32-n))
	return netip.AddrFrom4(b)
}

// bitsFromMask returns the prefix length of a contiguous netmask.
func bitsFromMask(mask netip.Addr) int {
	b := mask.As4()
	return bits.LeadingZeros32(^binary.BigEndian.Uint32(b[:]))
}
