package rpc

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeService struct {
	shutdown bool
	routes   map[string][]Route
}

func (f *fakeService) GetVersion(ctx context.Context) (string, error) { return "1.2.3", nil }

func (f *fakeService) Shutdown(ctx context.Context) error {
	f.shutdown = true
	return nil
}

func (f *fakeService) GetServices(ctx context.Context) ([]Service, error) {
	return []Service{{Type: "Network", Name: "Network"}}, nil
}

func (f *fakeService) GetRouters(ctx context.Context) ([]Router, error) {
	return []Router{{Name: "r1", RouterID: "1.1.1.1", Interfaces: []string{"eth0"}, OSPF: true}}, nil
}

func (f *fakeService) GetBGPSessions(ctx context.Context, router string) ([]BGPSession, error) {
	return nil, status.Errorf(codes.FailedPrecondition, "%s does not run BGP", router)
}

func (f *fakeService) GetBGPTable(ctx context.Context, router string) ([]BGPEntry, error) {
	return nil, nil
}

func (f *fakeService) GetOSPFInterfaces(ctx context.Context, router string) ([]OSPFInterface, error) {
	return nil, nil
}

func (f *fakeService) GetLSDB(ctx context.Context, router string) ([]LSA, error) {
	return nil, nil
}

func (f *fakeService) GetRoutes(ctx context.Context, router string) ([]Route, error) {
	routes, ok := f.routes[router]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no router named %q", router)
	}
	return routes, nil
}

func (f *fakeService) GetKernelRoutes(ctx context.Context, router string) ([]Route, error) {
	return nil, nil
}

func startServer(t *testing.T, svc APIService) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 16)
	s := grpc.NewServer()
	Register(s, svc)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		s.Stop()
		<-done
	})

	return NewClient(conn)
}

func TestRoundTrip(t *testing.T) {
	svc := &fakeService{
		routes: map[string][]Route{
			"r1": {
				{Prefix: netip.MustParsePrefix("10.0.0.0/24"), Interface: "eth0", Source: "interface"},
				{Prefix: netip.MustParsePrefix("10.0.2.0/24"), Gateway: netip.MustParseAddr("10.0.0.2"), Interface: "eth0", Metric: 3, Source: "ospf"},
			},
		},
	}

	client := startServer(t, svc)
	ctx := context.Background()

	version, err := client.GetVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", version)

	routers, err := client.GetRouters(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Router{{Name: "r1", RouterID: "1.1.1.1", Interfaces: []string{"eth0"}, OSPF: true}}, routers)

	routes, err := client.GetRoutes(ctx, "r1")
	require.NoError(t, err)
	if diff := cmp.Diff(svc.routes["r1"], routes, cmp.Comparer(func(a, b netip.Addr) bool { return a == b }), cmp.Comparer(func(a, b netip.Prefix) bool { return a == b })); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}

	lsas, err := client.GetLSDB(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, lsas)

	require.NoError(t, client.Shutdown(ctx))
	assert.True(t, svc.shutdown)
}

func TestErrorsKeepTheirCode(t *testing.T) {
	client := startServer(t, &fakeService{})
	ctx := context.Background()

	_, err := client.GetRoutes(ctx, "r9")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.GetBGPSessions(ctx, "r1")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "r1 does not run BGP")
}

func TestEncodeDecode(t *testing.T) {
	in := Request{Router: "r2"}

	v, err := encode(in)
	require.NoError(t, err)
	assert.Equal(t, "r2", v.GetStructValue().GetFields()["router"].GetStringValue())

	var out Request
	require.NoError(t, decode(v, &out))
	assert.Equal(t, in, out)

	v, err = encode(nil)
	require.NoError(t, err)
	_, null := v.Kind.(*structpb.Value_NullValue)
	assert.True(t, null)
}
