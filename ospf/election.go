package ospf

import (
	"net/netip"

	"github.com/davidbalbert/chatter/chatterd/common"
)

// candidate is a router taking part in DR election on one network: the
// calculating router itself or a neighbor in state 2-Way or higher.
type candidate struct {
	id       common.RouterID
	addr     netip.Addr
	priority uint8
	dr       netip.Addr // the DR the router declares
	bdr      netip.Addr // the BDR the router declares
}

func (c candidate) declaresDR() bool  { return c.dr == c.addr }
func (c candidate) declaresBDR() bool { return c.bdr == c.addr }

// better orders candidates by priority, then router ID.
func better(a, b candidate) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.id > b.id
}

func highest(cs []candidate, pred func(candidate) bool) (candidate, bool) {
	var (
		best  candidate
		found bool
	)
	for _, c := range cs {
		if !pred(c) {
			continue
		}
		if !found || better(c, best) {
			best, found = c, true
		}
	}
	return best, found
}

// electOnce is steps 2 and 3 of RFC 2328 §9.4.
func electOnce(cs []candidate) (dr, bdr netip.Addr) {
	b, ok := highest(cs, func(c candidate) bool { return !c.declaresDR() && c.declaresBDR() })
	if !ok {
		b, ok = highest(cs, func(c candidate) bool { return !c.declaresDR() })
	}
	if ok {
		bdr = b.addr
	}

	d, ok := highest(cs, func(c candidate) bool { return c.declaresDR() })
	if ok {
		dr = d.addr
	} else {
		dr = bdr
	}

	return dr, bdr
}

// electDR runs the Designated Router election for self and its neighbors.
// The result does not depend on the order of neighbors. When the first pass
// changes whether self is DR or BDR, the election is repeated once with self
// declaring its new role.
func electDR(self candidate, neighbors []candidate) (dr, bdr netip.Addr) {
	eligible := make([]candidate, 0, len(neighbors)+1)
	for _, n := range neighbors {
		if n.priority > 0 {
			eligible = append(eligible, n)
		}
	}

	selfIndex := -1
	if self.priority > 0 {
		selfIndex = len(eligible)
		eligible = append(eligible, self)
	}

	dr, bdr = electOnce(eligible)

	wasDR, wasBDR := self.declaresDR(), self.declaresBDR()
	isDR, isBDR := dr == self.addr, bdr == self.addr

	if selfIndex >= 0 && (wasDR != isDR || wasBDR != isBDR) {
		eligible[selfIndex].dr = dr
		eligible[selfIndex].bdr = bdr
		dr, bdr = electOnce(eligible)
	}

	return dr, bdr
}
