package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"

	"github.com/davidbalbert/chatter/chatterd/services"
	"github.com/davidbalbert/chatter/config"
	"github.com/davidbalbert/chatter/network"
	"github.com/davidbalbert/chatter/ospf"
	"github.com/davidbalbert/chatter/rib"
	"github.com/davidbalbert/chatter/rpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Server struct {
	serviceManager *services.ServiceManager
	shutdown       context.CancelFunc
	socket         string
	version        string
	log            *slog.Logger
}

func NewServer(serviceManager *services.ServiceManager, socket string, shutdown context.CancelFunc, version string) *Server {
	return &Server{
		serviceManager: serviceManager,
		shutdown:       shutdown,
		socket:         socket,
		version:        version,
		log:            serviceManager.Logger().With("service", "api"),
	}
}

func (s *Server) Run(ctx context.Context) error {
	// A socket left behind by an earlier run would make Listen fail.
	if err := os.Remove(s.socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	listener, err := net.Listen("unix", s.socket)
	if err != nil {
		return err
	}
	defer os.Remove(s.socket)

	grpcServer := grpc.NewServer()
	rpc.Register(grpcServer, s)

	s.log.Info("listening", "socket", s.socket)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return grpcServer.Serve(listener)
	})

	g.Go(func() error {
		<-ctx.Done()
		grpcServer.GracefulStop()
		return nil
	})

	return g.Wait()
}

func (s *Server) GetVersion(ctx context.Context) (string, error) {
	return s.version, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutdown requested")
	s.shutdown()
	return nil
}

func (s *Server) GetServices(ctx context.Context) ([]rpc.Service, error) {
	ids := s.serviceManager.RunningServices()

	out := make([]rpc.Service, len(ids))
	for i, id := range ids {
		out[i] = rpc.Service{Type: id.Type.String(), Name: id.Name}
	}
	return out, nil
}

func (s *Server) network() (*network.Network, error) {
	svc, err := s.serviceManager.Get(config.ServiceNetwork)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}

	n, ok := svc.(*network.Network)
	if !ok {
		return nil, status.Errorf(codes.Internal, "unexpected network service %T", svc)
	}
	return n, nil
}

// inspect runs fn on the named router inside the network's loop.
func (s *Server) inspect(ctx context.Context, name string, fn func(r *network.Router) error) error {
	n, err := s.network()
	if err != nil {
		return err
	}

	r, ok := n.Router(name)
	if !ok {
		return status.Errorf(codes.NotFound, "no router named %q", name)
	}

	var fnErr error
	if err := n.Inspect(ctx, func() { fnErr = fn(r) }); err != nil {
		return status.FromContextError(err).Err()
	}
	return fnErr
}

func (s *Server) GetRouters(ctx context.Context) ([]rpc.Router, error) {
	n, err := s.network()
	if err != nil {
		return nil, err
	}

	var out []rpc.Router
	err = n.Inspect(ctx, func() {
		for _, r := range n.Routers() {
			out = append(out, routerInfo(r))
		}
	})
	if err != nil {
		return nil, status.FromContextError(err).Err()
	}
	return out, nil
}

func routerInfo(r *network.Router) rpc.Router {
	conf := r.Config()

	ifnames := make([]string, 0, len(conf.Interfaces))
	for name := range conf.Interfaces {
		ifnames = append(ifnames, name)
	}
	slices.Sort(ifnames)

	return rpc.Router{
		Name:       r.Name(),
		RouterID:   r.RouterID().String(),
		Interfaces: ifnames,
		BGP:        r.BGP() != nil,
		OSPF:       r.OSPF() != nil,
	}
}

func (s *Server) GetBGPSessions(ctx context.Context, name string) ([]rpc.BGPSession, error) {
	var out []rpc.BGPSession
	err := s.inspect(ctx, name, func(r *network.Router) error {
		b := r.BGP()
		if b == nil {
			return status.Errorf(codes.FailedPrecondition, "%s does not run BGP", name)
		}

		for _, sess := range b.Sessions() {
			st := sess.Stats()

			info := rpc.BGPSession{
				Peer:                sess.Peer(),
				LocalAddr:           sess.LocalAddr(),
				PeerAS:              uint32(sess.PeerAS()),
				Type:                sess.Type().String(),
				State:               sess.State().String(),
				Interface:           sess.Interface(),
				HoldTime:            sess.HoldTime().String(),
				ConnectRetryCounter: sess.ConnectRetryCounter(),
				MessagesSent:        st.OpenSent + st.KeepaliveSent + st.UpdateSent,
				MessagesReceived:    st.OpenRecv + st.KeepaliveRecv + st.UpdateRecv,
			}
			if id := sess.PeerRouterID(); id != 0 {
				info.PeerRouterID = id.String()
			}

			out = append(out, info)
		}
		return nil
	})
	return out, err
}

func (s *Server) GetBGPTable(ctx context.Context, name string) ([]rpc.BGPEntry, error) {
	var out []rpc.BGPEntry
	err := s.inspect(ctx, name, func(r *network.Router) error {
		b := r.BGP()
		if b == nil {
			return status.Errorf(codes.FailedPrecondition, "%s does not run BGP", name)
		}

		for _, e := range b.Entries() {
			path := make([]uint32, len(e.ASPath))
			for i, as := range e.ASPath {
				path[i] = uint32(as)
			}

			out = append(out, rpc.BGPEntry{
				Prefix:    e.Prefix,
				NextHop:   e.NextHop,
				Interface: e.Interface,
				Origin:    e.Origin.String(),
				ASPath:    path,
				Peer:      e.Peer,
			})
		}
		return nil
	})
	return out, err
}

func (s *Server) GetOSPFInterfaces(ctx context.Context, name string) ([]rpc.OSPFInterface, error) {
	var out []rpc.OSPFInterface
	err := s.inspect(ctx, name, func(r *network.Router) error {
		inst := r.OSPF()
		if inst == nil {
			return status.Errorf(codes.FailedPrecondition, "%s does not run OSPF", name)
		}

		for _, i := range inst.Interfaces() {
			out = append(out, ospfInterfaceInfo(i))
		}
		return nil
	})
	return out, err
}

func ospfInterfaceInfo(i *ospf.Interface) rpc.OSPFInterface {
	info := rpc.OSPFInterface{
		Name:    i.Name(),
		Area:    i.AreaID().String(),
		Prefix:  i.Prefix(),
		Type:    i.Type().String(),
		State:   i.State().String(),
		Cost:    i.Cost(),
		Passive: i.Passive(),
	}

	if _, dr := i.DR(); dr.IsValid() {
		info.DR = dr.String()
	}
	if _, bdr := i.BDR(); bdr.IsValid() {
		info.BDR = bdr.String()
	}

	for _, nbr := range i.Neighbors() {
		info.Neighbors = append(info.Neighbors, rpc.OSPFNeighbor{
			RouterID: nbr.ID().String(),
			Addr:     nbr.Addr(),
			State:    nbr.State().String(),
			Priority: nbr.Priority(),
		})
	}

	return info
}

func (s *Server) GetLSDB(ctx context.Context, name string) ([]rpc.LSA, error) {
	var out []rpc.LSA
	err := s.inspect(ctx, name, func(r *network.Router) error {
		inst := r.OSPF()
		if inst == nil {
			return status.Errorf(codes.FailedPrecondition, "%s does not run OSPF", name)
		}

		for _, a := range inst.Areas() {
			for _, h := range inst.LSDB(a.ID()) {
				out = append(out, rpc.LSA{
					Area:      a.ID().String(),
					Type:      h.Type.String(),
					ID:        h.ID,
					AdvRouter: h.AdvRouter.String(),
					Age:       h.Age,
					Seq:       fmt.Sprintf("%#08x", uint32(h.Seq)),
					Checksum:  fmt.Sprintf("%#04x", h.Checksum),
					Length:    h.Length,
				})
			}
		}
		return nil
	})
	return out, err
}

func routeInfo(rt rib.Route) rpc.Route {
	return rpc.Route{
		Prefix:    rt.Prefix,
		Gateway:   rt.Gateway,
		Interface: rt.Interface,
		Metric:    rt.Metric,
		Source:    rt.Source.String(),
		External:  rt.External,
	}
}

func (s *Server) GetRoutes(ctx context.Context, name string) ([]rpc.Route, error) {
	var out []rpc.Route
	err := s.inspect(ctx, name, func(r *network.Router) error {
		for _, rt := range r.RIB().All() {
			out = append(out, routeInfo(rt))
		}
		return nil
	})
	return out, err
}

func (s *Server) GetKernelRoutes(ctx context.Context, name string) ([]rpc.Route, error) {
	var out []rpc.Route
	err := s.inspect(ctx, name, func(r *network.Router) error {
		for _, kr := range r.Kernel() {
			out = append(out, rpc.Route{
				Prefix:    kr.Prefix,
				Gateway:   kr.Gateway,
				Interface: kr.Interface,
				Metric:    kr.Metric,
				Source:    "kernel",
			})
		}
		return nil
	})
	return out, err
}
