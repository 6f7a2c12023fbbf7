package ospf

import (
	"net/netip"
	"testing"

	"github.com/davidbalbert/chatter/chatterd/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func routerLSA(seq int32, links ...Link) *LSA {
	id := common.RouterID(0x01010101)
	l := &LSA{
		LSAHeader: LSAHeader{
			Options:   capE,
			ID:        id.Addr(),
			AdvRouter: id,
			Seq:       seq,
		},
		Body: &RouterLSA{Links: links},
	}
	l.finish()
	return l
}

var stub = Link{
	ID:     netip.MustParseAddr("10.0.0.0"),
	Data:   netip.MustParseAddr("255.255.255.0"),
	Type:   LinkStub,
	Metric: 10,
}

func TestChecksum(t *testing.T) {
	l := routerLSA(initialSequenceNumber, stub)

	require.True(t, l.IsChecksumValid())
	assert.Equal(t, uint16(lsaHeaderLen+4+12), l.Length)
	assert.Equal(t, LSTypeRouter, l.Type)

	// age is not covered
	l.Age = 1234
	assert.True(t, l.IsChecksumValid())

	l.Body.(*RouterLSA).Links[0].Metric = 11
	assert.False(t, l.IsChecksumValid())
}

func TestChecksumExternal(t *testing.T) {
	l := &LSA{
		LSAHeader: LSAHeader{
			Options:   capE,
			ID:        netip.MustParseAddr("192.168.50.0"),
			AdvRouter: 0x01010101,
			Seq:       initialSequenceNumber,
		},
		Body: &ASExternalLSA{Bits: 24, Type2: true, Metric: 2},
	}
	l.finish()

	assert.True(t, l.IsChecksumValid())
	assert.Equal(t, LSTypeASExternal, l.Type)
	assert.Equal(t, uint16(36), l.Length)
}

func TestCompare(t *testing.T) {
	h := LSAHeader{Seq: 10, Checksum: 100, Age: 10}

	tests := []struct {
		name  string
		other LSAHeader
		want  int
	}{
		{"same", h, 0},
		{"higher seq", LSAHeader{Seq: 11, Checksum: 100, Age: 10}, -1},
		{"lower seq", LSAHeader{Seq: 9, Checksum: 100, Age: 10}, 1},
		{"higher checksum", LSAHeader{Seq: 10, Checksum: 101, Age: 10}, -1},
		{"max age wins", LSAHeader{Seq: 10, Checksum: 100, Age: maxAge}, -1},
		{"small age difference", LSAHeader{Seq: 10, Checksum: 100, Age: 10 + maxAgeDiff}, 0},
		{"much older", LSAHeader{Seq: 10, Checksum: 100, Age: 11 + maxAgeDiff}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.Compare(tt.other))
			assert.Equal(t, -tt.want, tt.other.Compare(h))
		})
	}
}

func TestCompareNegativeSequenceNumbers(t *testing.T) {
	a := LSAHeader{Seq: initialSequenceNumber}
	b := LSAHeader{Seq: initialSequenceNumber + 1}
	assert.Equal(t, 1, b.Compare(a))
}

func TestSameContents(t *testing.T) {
	a := routerLSA(initialSequenceNumber, stub)
	b := routerLSA(initialSequenceNumber+1, stub)
	assert.True(t, sameContents(a, b))

	b.Age = maxAge
	assert.False(t, sameContents(a, b))

	other := stub
	other.Metric = 20
	c := routerLSA(initialSequenceNumber+1, other)
	assert.False(t, sameContents(a, c))
}

func TestCloneIsDeep(t *testing.T) {
	a := routerLSA(initialSequenceNumber, stub)
	b := a.Clone()

	b.Body.(*RouterLSA).Links[0].Metric = 99
	assert.Equal(t, uint16(10), a.Body.(*RouterLSA).Links[0].Metric)
}

func TestMasks(t *testing.T) {
	for _, bits := range []int{0, 8, 24, 30, 32} {
		assert.Equal(t, bits, bitsFromMask(maskFromBits(bits)))
	}
	assert.Equal(t, netip.MustParseAddr("255.255.255.252"), maskFromBits(30))
}
