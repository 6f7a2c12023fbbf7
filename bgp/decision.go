package bgp

import (
	"net/netip"
	"slices"

	"github.com/davidbalbert/chatter/chatterd/common"
	"github.com/davidbalbert/chatter/rib"
)

// preferred breaks ties between two routes to the same destination: fewer
// AS hops wins, then the lower origin. Equal routes keep the incumbent.
func preferred(candidate, incumbent Entry) bool {
	if len(candidate.ASPath) != len(incumbent.ASPath) {
		return len(candidate.ASPath) < len(incumbent.ASPath)
	}
	return candidate.Origin < incumbent.Origin
}

// DecisionProcess considers a route learned from src and installs it if it
// wins (RFC 4271 §9.1).
func (r *Router) DecisionProcess(src *Session, e Entry) (ChangeType, error) {
	e.Prefix = e.Prefix.Masked()
	e.Interface = src.iface
	e.Peer = src.peer

	if hasASLoop(e.ASPath, r.as) {
		return NoChange, ErrASLoop
	}

	if r.filter.DeniedIn(e) {
		return NoChange, ErrFiltered
	}

	ok, err := r.filter.importPolicy.Accept(e, src)
	if err != nil {
		r.log.Warn("import policy failed", "prefix", e.Prefix, "err", err)
	}
	if !ok {
		return NoChange, ErrFiltered
	}

	if old, ok := r.table[e.Prefix]; ok {
		if old.Peer == e.Peer {
			// A peer's new announcement replaces its old one.
			if old.Entry.equal(e) {
				return NoChange, nil
			}
		} else if !preferred(e, old.Entry) {
			return NoChange, nil
		}

		r.removeEntry(old)
		r.install(src, e, nil)
		return RouteDestinationChanged, nil
	}

	var displaced *rib.Route
	if rt, ok := r.nonBGPRoute(e.Prefix); ok {
		if src.typ != SessionIGP {
			return NoChange, nil
		}

		r.rib.Delete(rt.Prefix, rt.Source)
		displaced = &rt
	}

	r.install(src, e, displaced)
	return NewRouteAdded, nil
}

func (r *Router) nonBGPRoute(prefix netip.Prefix) (rib.Route, bool) {
	for _, rt := range r.rib.Get(prefix) {
		if rt.Source != rib.SourceBGP {
			return rt, true
		}
	}
	return rib.Route{}, false
}

func (r *Router) install(src *Session, e Entry, displaced *rib.Route) {
	r.table[e.Prefix] = &tableEntry{Entry: e, displaced: displaced}

	rt := rib.Route{
		Prefix:    e.Prefix,
		Gateway:   e.NextHop,
		Interface: e.Interface,
		Metric:    uint32(len(e.ASPath)),
		Source:    rib.SourceBGP,
	}

	// An internal route that displaced an IGP route keeps the IGP's next hop.
	if displaced != nil {
		rt.Gateway = displaced.Gateway
		rt.Interface = displaced.Interface
	}

	r.rib.Add(rt)

	if src.typ == SessionEGP && r.ospf != nil {
		r.ospf.InsertExternalRoute(e.Prefix, uint32(len(e.ASPath)))
	}
}

func (r *Router) removeEntry(e *tableEntry) {
	delete(r.table, e.Prefix)
	r.rib.Delete(e.Prefix, rib.SourceBGP)

	if e.displaced != nil {
		r.rib.Add(*e.displaced)
	}

	if s := r.byPeer[e.Peer]; s != nil && s.typ == SessionEGP && r.ospf != nil {
		r.ospf.RemoveExternalRoute(e.Prefix)
	}
}

// UpdateSendProcess advertises e to the peers that should hear about it
// (RFC 4271 §9.2). For NewSessionEstablished only src itself is told.
func (r *Router) UpdateSendProcess(change ChangeType, src *Session, e Entry) {
	if r.filter.DeniedOut(e) {
		return
	}

	for _, t := range r.sessions {
		if t == src && change != NewSessionEstablished {
			continue
		}
		if change == NewSessionEstablished && t != src {
			continue
		}
		if t.state != StateEstablished {
			continue
		}

		if !(src.typ == SessionIGP && t.typ == SessionEGP) &&
			src.typ != SessionEGP &&
			change != RouteDestinationChanged &&
			change != NewSessionEstablished {
			continue
		}

		ok, err := r.filter.exportPolicy.Accept(e, t)
		if err != nil {
			r.log.Warn("export policy failed", "prefix", e.Prefix, "peer", t.peer, "err", err)
		}
		if !ok {
			continue
		}

		path := e.ASPath
		if len(path) == 0 || path[0] != r.as {
			path = append([]common.ASN{r.as}, path...)
		} else {
			path = slices.Clone(path)
		}

		t.send(&Update{
			Origin:  Origin(t.typ),
			ASPath:  path,
			NextHop: t.localAddr,
			NLRI:    []netip.Prefix{e.Prefix.Masked()},
		})
	}
}
