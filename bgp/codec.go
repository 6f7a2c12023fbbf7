package bgp

import (
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/davidbalbert/chatter/chatterd/common"
	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// Marshal encodes m in BGP wire format.
func Marshal(m Message) ([]byte, error) {
	var bm *bgp.BGPMessage

	switch m := m.(type) {
	case *Open:
		as := uint16(bgp.AS_TRANS)
		if m.AS <= 0xffff {
			as = uint16(m.AS)
		}

		bm = bgp.NewBGPOpenMessage(as, m.HoldTime, m.RouterID.String(), []bgp.OptionParameterInterface{
			bgp.NewOptionParameterCapability([]bgp.ParameterCapabilityInterface{
				bgp.NewCapFourOctetASNumber(uint32(m.AS)),
			}),
		})
	case *Keepalive:
		bm = bgp.NewBGPKeepAliveMessage()
	case *Update:
		var withdrawn []*bgp.IPAddrPrefix
		for _, p := range m.Withdrawn {
			p = p.Masked()
			withdrawn = append(withdrawn, bgp.NewIPAddrPrefix(uint8(p.Bits()), p.Addr().String()))
		}

		var (
			attrs []bgp.PathAttributeInterface
			nlri  []*bgp.IPAddrPrefix
		)
		if len(m.NLRI) > 0 {
			path := make([]uint32, len(m.ASPath))
			for i, as := range m.ASPath {
				path[i] = uint32(as)
			}

			attrs = []bgp.PathAttributeInterface{
				bgp.NewPathAttributeOrigin(uint8(m.Origin)),
				bgp.NewPathAttributeAsPath([]bgp.AsPathParamInterface{
					bgp.NewAs4PathParam(bgp.BGP_ASPATH_ATTR_TYPE_SEQ, path),
				}),
				bgp.NewPathAttributeNextHop(m.NextHop.String()),
			}

			for _, p := range m.NLRI {
				p = p.Masked()
				nlri = append(nlri, bgp.NewIPAddrPrefix(uint8(p.Bits()), p.Addr().String()))
			}
		}

		bm = bgp.NewBGPUpdateMessage(withdrawn, attrs, nlri)
	default:
		panic(fmt.Sprintf("bgp: unknown message type %T", m))
	}

	return bm.Serialize()
}

func addrFromIP(ip net.IP) netip.Addr {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	addr, _ := netip.AddrFromSlice(ip)
	return addr
}

func parsePrefix(p *bgp.IPAddrPrefix) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(p.String())
	if err != nil {
		return netip.Prefix{}, err
	}
	return prefix.Masked(), nil
}

// Unmarshal decodes one complete BGP message. NOTIFICATION and
// ROUTE-REFRESH messages are reported as errors.
func Unmarshal(b []byte) (Message, error) {
	bm, err := bgp.ParseBGPMessage(b)
	if err != nil {
		return nil, err
	}

	switch body := bm.Body.(type) {
	case *bgp.BGPOpen:
		m := &Open{
			AS:       common.ASN(body.MyAS),
			HoldTime: body.HoldTime,
			RouterID: common.RouterIDFromAddr(addrFromIP(body.ID)),
		}

		for _, p := range body.OptParams {
			c, ok := p.(*bgp.OptionParameterCapability)
			if !ok {
				continue
			}
			for _, pc := range c.Capability {
				if as4, ok := pc.(*bgp.CapFourOctetASNumber); ok {
					m.AS = common.ASN(as4.CapValue)
				}
			}
		}

		return m, nil
	case *bgp.BGPKeepAlive:
		return &Keepalive{}, nil
	case *bgp.BGPUpdate:
		m := &Update{}

		for _, w := range body.WithdrawnRoutes {
			p, err := parsePrefix(w)
			if err != nil {
				return nil, fmt.Errorf("bgp: withdrawn route: %w", err)
			}
			m.Withdrawn = append(m.Withdrawn, p)
		}

		for _, pa := range body.PathAttributes {
			switch a := pa.(type) {
			case *bgp.PathAttributeOrigin:
				m.Origin = Origin(a.Value)
			case *bgp.PathAttributeAsPath:
				for _, seg := range a.Value {
					for _, as := range seg.GetAS() {
						m.ASPath = append(m.ASPath, common.ASN(as))
					}
				}
			case *bgp.PathAttributeNextHop:
				m.NextHop = addrFromIP(a.Value)
			}
		}

		for _, n := range body.NLRI {
			p, err := parsePrefix(n)
			if err != nil {
				return nil, fmt.Errorf("bgp: nlri: %w", err)
			}
			m.NLRI = append(m.NLRI, p)
		}

		if len(m.NLRI) > 0 && !m.NextHop.IsValid() {
			return nil, fmt.Errorf("bgp: update without next hop")
		}

		return m, nil
	default:
		return nil, fmt.Errorf("bgp: unsupported message type %d", bm.Header.Type)
	}
}

// SplitMessages is a bufio.SplitFunc that yields whole BGP messages from a
// byte stream.
func SplitMessages(data []byte, atEOF bool) (int, []byte, error) {
	if len(data) < bgp.BGP_HEADER_LENGTH {
		if atEOF && len(data) > 0 {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, nil
	}

	var h bgp.BGPHeader
	if err := h.DecodeFromBytes(data[:bgp.BGP_HEADER_LENGTH]); err != nil {
		return 0, nil, err
	}

	n := int(h.Len)
	if n < bgp.BGP_HEADER_LENGTH || n > bgp.BGP_MAX_MESSAGE_LENGTH {
		return 0, nil, fmt.Errorf("bgp: bad message length %d", n)
	}

	if len(data) < n {
		if atEOF {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, nil
	}

	return n, data[:n], nil
}
