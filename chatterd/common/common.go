package common

import (
	"encoding/binary"
	"net/netip"
	"strconv"
)

type RouterID uint32
type AreaID uint32

// ASN is an autonomous system number.
type ASN uint32

const BackboneAreaID AreaID = 0

func RouterIDFromAddr(addr netip.Addr) RouterID {
	if !addr.Is4() {
		return 0
	}

	return RouterID(binary.BigEndian.Uint32(addr.AsSlice()))
}

func (r RouterID) Addr() netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(r))
	return netip.AddrFrom4(b)
}

func (r RouterID) String() string {
	return r.Addr().String()
}

func (a AreaID) String() string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(a))
	addr := netip.AddrFrom4(b)

	return addr.String()
}

func (a ASN) String() string {
	return strconv.FormatUint(uint64(a), 10)
}
