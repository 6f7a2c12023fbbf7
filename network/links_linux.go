//go:build linux

package network

import (
	"context"
	"fmt"
	"net"

	"github.com/davidbalbert/chatter/fib"
	"github.com/vishvananda/netlink"
)

// attachFIB gives a simulated router an in-memory kernel and a live router
// with kernel-export the host's.
func (r *Router) attachFIB(simulated bool) error {
	if simulated {
		k := fib.NewSimKernel(r.log.With("fib", "sim"))
		fib.NewExporter(r.rib, k, r.simIndex, r.log)

		r.kernel = func() []KernelRoute {
			routes := make([]KernelRoute, 0, len(k.Routes))
			for _, kr := range k.Routes {
				routes = append(routes, KernelRoute{
					Prefix:    kr.Prefix,
					Gateway:   kr.Gateway,
					Interface: r.simName(kr.OutIf),
					Metric:    kr.Priority,
				})
			}
			return routes
		}
		return nil
	}

	if !r.conf.KernelExport {
		return nil
	}

	sink, err := fib.NewNetlinkSink()
	if err != nil {
		return err
	}
	fib.NewExporter(r.rib, sink, hostIndex, r.log)
	r.close = sink.Close

	return nil
}

func hostIndex(name string) uint32 {
	if name == "" {
		return 0
	}
	l, err := netlink.LinkByName(name)
	if err != nil {
		return 0
	}
	return uint32(l.Attrs().Index)
}

// watchLinks follows the host's links and raises InterfaceUp and
// InterfaceDown on the OSPF interfaces of the same name.
func (n *Network) watchLinks(ctx context.Context) error {
	updates := make(chan netlink.LinkUpdate)
	done := make(chan struct{})
	defer close(done)

	if err := netlink.LinkSubscribe(updates, done); err != nil {
		return fmt.Errorf("subscribing to link updates: %w", err)
	}

	state := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return fmt.Errorf("link updates closed")
			}

			attrs := u.Link.Attrs()
			up := attrs.Flags&net.FlagUp != 0 && attrs.OperState != netlink.OperDown

			if last, seen := state[attrs.Name]; seen && last == up {
				continue
			}
			state[attrs.Name] = up

			name := attrs.Name
			n.log.Debug("link update", "interface", name, "up", up)
			n.loop.Post(func() {
				n.setLinkState(name, up)
			})
		}
	}
}
