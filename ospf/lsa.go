package ospf

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
	"slices"

	"github.com/davidbalbert/chatter/chatterd/common"
)

const (
	initialSequenceNumber int32 = math.MinInt32 + 1
	maxSequenceNumber     int32 = math.MaxInt32

	maxAge        = 3600 // 1 hour
	maxAgeDiff    = 900  // 15 minutes
	lsRefreshTime = 1800 // 30 minutes
	lsInfinity    = 0xffffff
)

type LSType uint8

const (
	LSTypeRouter      LSType = 1
	LSTypeNetwork     LSType = 2
	LSTypeSummary     LSType = 3
	LSTypeASBRSummary LSType = 4
	LSTypeASExternal  LSType = 5
)

func (t LSType) String() string {
	switch t {
	case LSTypeRouter:
		return "Router"
	case LSTypeNetwork:
		return "Network"
	case LSTypeSummary:
		return "Summary"
	case LSTypeASBRSummary:
		return "ASBR-Summary"
	case LSTypeASExternal:
		return "AS-External"
	default:
		return fmt.Sprintf("LSType(%d)", uint8(t))
	}
}

// LSAKey identifies an LSA in the database. Two LSAs with the same key are
// instances of the same LSA.
type LSAKey struct {
	Type      LSType
	ID        netip.Addr
	AdvRouter common.RouterID
}

func (k LSAKey) String() string {
	return fmt.Sprintf("%s %s adv %s", k.Type, k.ID, k.AdvRouter)
}

func compareKeys(a, b LSAKey) int {
	if a.Type != b.Type {
		return int(a.Type) - int(b.Type)
	}
	if c := a.ID.Compare(b.ID); c != 0 {
		return c
	}
	if a.AdvRouter != b.AdvRouter {
		if a.AdvRouter < b.AdvRouter {
			return -1
		}
		return 1
	}
	return 0
}

const lsaHeaderLen = 20

type LSAHeader struct {
	Age       uint16
	Options   uint8
	Type      LSType
	ID        netip.Addr
	AdvRouter common.RouterID
	Seq       int32
	Checksum  uint16
	Length    uint16
}

func (h LSAHeader) Key() LSAKey {
	return LSAKey{Type: h.Type, ID: h.ID, AdvRouter: h.AdvRouter}
}

// Compare reports which of two instances of an LSA is more recent
// (RFC 2328 §13.1). It returns 1 if h is more recent, -1 if other is, and 0
// if they are the same instance.
func (h LSAHeader) Compare(other LSAHeader) int {
	if h.Seq != other.Seq {
		if h.Seq < other.Seq {
			return -1
		}
		return 1
	}

	if h.Checksum != other.Checksum {
		if h.Checksum < other.Checksum {
			return -1
		}
		return 1
	}

	a1, a2 := int(h.Age), int(other.Age)
	if a1 != maxAge && a2 == maxAge {
		return -1
	} else if a1 == maxAge && a2 != maxAge {
		return 1
	}

	diff := abs(a1 - a2)
	if diff > maxAgeDiff && a1 < a2 {
		return 1
	} else if diff > maxAgeDiff && a1 > a2 {
		return -1
	}

	return 0
}

func (h LSAHeader) encodeTo(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], h.Age)
	b[2] = h.Options
	b[3] = byte(h.Type)
	id := h.ID.As4()
	copy(b[4:8], id[:])
	binary.BigEndian.PutUint32(b[8:12], uint32(h.AdvRouter))
	binary.BigEndian.PutUint32(b[12:16], uint32(h.Seq))
	binary.BigEndian.PutUint16(b[16:18], h.Checksum)
	binary.BigEndian.PutUint16(b[18:20], h.Length)
}

// An LSA is a header and one of *RouterLSA, *NetworkLSA or *ASExternalLSA.
// LSAs in the database are never modified except for their age; a new
// instance is a new value.
type LSA struct {
	LSAHeader
	Body LSABody
}

type LSABody interface {
	lsType() LSType
	size() int
	encodeTo(b []byte)
	clone() LSABody
}

type LinkType uint8

const (
	LinkPointToPoint LinkType = 1
	LinkTransit      LinkType = 2
	LinkStub         LinkType = 3
	LinkVirtual      LinkType = 4
)

func (t LinkType) String() string {
	switch t {
	case LinkPointToPoint:
		return "point-to-point"
	case LinkTransit:
		return "transit"
	case LinkStub:
		return "stub"
	case LinkVirtual:
		return "virtual"
	default:
		return fmt.Sprintf("LinkType(%d)", uint8(t))
	}
}

// Link is one entry in a Router-LSA. For stub links Data is the network
// mask, otherwise it is the router's interface address.
type Link struct {
	ID     netip.Addr
	Data   netip.Addr
	Type   LinkType
	Metric uint16
}

const (
	// Router-LSA flags
	rlfBorder   = 1 << 0
	rlfExternal = 1 << 1
	rlfVirtual  = 1 << 2
)

type RouterLSA struct {
	Border   bool
	External bool
	Virtual  bool
	Links    []Link
}

type NetworkLSA struct {
	Bits    int
	Routers []common.RouterID
}

type ASExternalLSA struct {
	Bits    int
	Type2   bool
	Metric  uint32
	Forward netip.Addr
	Tag     uint32
}

func (*RouterLSA) lsType() LSType     { return LSTypeRouter }
func (*NetworkLSA) lsType() LSType    { return LSTypeNetwork }
func (*ASExternalLSA) lsType() LSType { return LSTypeASExternal }

func (r *RouterLSA) size() int     { return 4 + 12*len(r.Links) }
func (n *NetworkLSA) size() int    { return 4 + 4*len(n.Routers) }
func (e *ASExternalLSA) size() int { return 16 }

func (r *RouterLSA) encodeTo(b []byte) {
	var flags byte
	if r.Border {
		flags |= rlfBorder
	}
	if r.External {
		flags |= rlfExternal
	}
	if r.Virtual {
		flags |= rlfVirtual
	}
	b[0] = flags
	b[1] = 0
	binary.BigEndian.PutUint16(b[2:4], uint16(len(r.Links)))

	for i, l := range r.Links {
		o := 4 + 12*i
		id, data := l.ID.As4(), l.Data.As4()
		copy(b[o:o+4], id[:])
		copy(b[o+4:o+8], data[:])
		b[o+8] = byte(l.Type)
		b[o+9] = 0 // no TOS metrics
		binary.BigEndian.PutUint16(b[o+10:o+12], l.Metric)
	}
}

func (n *NetworkLSA) encodeTo(b []byte) {
	mask := maskFromBits(n.Bits).As4()
	copy(b[0:4], mask[:])
	for i, id := range n.Routers {
		binary.BigEndian.PutUint32(b[4+4*i:], uint32(id))
	}
}

func (e *ASExternalLSA) encodeTo(b []byte) {
	mask := maskFromBits(e.Bits).As4()
	copy(b[0:4], mask[:])
	binary.BigEndian.PutUint32(b[4:8], e.Metric&lsInfinity)
	if e.Type2 {
		b[4] |= 0x80
	}
	fwd := netip.IPv4Unspecified().As4()
	if e.Forward.IsValid() {
		fwd = e.Forward.As4()
	}
	copy(b[8:12], fwd[:])
	binary.BigEndian.PutUint32(b[12:16], e.Tag)
}

func (r *RouterLSA) clone() LSABody {
	c := *r
	c.Links = slices.Clone(r.Links)
	return &c
}

func (n *NetworkLSA) clone() LSABody {
	c := *n
	c.Routers = slices.Clone(n.Routers)
	return &c
}

func (e *ASExternalLSA) clone() LSABody {
	c := *e
	return &c
}

func (l *LSA) Clone() *LSA {
	return &LSA{LSAHeader: l.LSAHeader, Body: l.Body.clone()}
}

// Bytes returns the wire encoding of the LSA.
func (l *LSA) Bytes() []byte {
	b := make([]byte, lsaHeaderLen+l.Body.size())
	l.LSAHeader.encodeTo(b)
	l.Body.encodeTo(b[lsaHeaderLen:])
	return b
}

// finish fills in the type, length and checksum of a newly built LSA.
func (l *LSA) finish() {
	l.Type = l.Body.lsType()
	l.Length = uint16(lsaHeaderLen + l.Body.size())
	l.Checksum = 0

	b := l.Bytes()
	// The checksum covers everything but the age.
	l.Checksum = fletcher16GenerateChecksum(b[2:], 14)
}

func (l *LSA) IsChecksumValid() bool {
	return fletcher16Checksum(l.Bytes()[2:]) == 0
}

// sameContents reports whether two instances carry the same information,
// ignoring the header fields that change on every origination.
func sameContents(a, b *LSA) bool {
	if a.Options != b.Options || (a.Age == maxAge) != (b.Age == maxAge) {
		return false
	}

	ab, bb := a.Bytes(), b.Bytes()
	return slices.Equal(ab[lsaHeaderLen:], bb[lsaHeaderLen:])
}

func fletcher16(data ...[]byte) (r0, r1 int) {
	var c0, c1 int

	for _, d := range data {
		for _, b := range d {
			c0 = (c0 + int(b)) % 255
			c1 = (c1 + c0) % 255
		}
	}

	return c0, c1
}

func fletcher16Checksum(data []byte) uint16 {
	c0, c1 := fletcher16(data)
	return uint16(c1<<8 | c0)
}

// offset is the offset of the checksum field in the data
func fletcher16GenerateChecksum(data []byte, offset int) uint16 {
	c0, c1 := fletcher16(data[:offset], []byte{0, 0}, data[offset+2:])

	x := ((len(data)-offset-1)*c0 - c1) % 255
	if x <= 0 {
		x += 255
	}

	y := 510 - c0 - x
	if y > 255 {
		y -= 255
	}

	return uint16(x<<8 | y)
}
