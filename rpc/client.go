package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls an APIService over conn.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, req *Request, out any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}

	reply := new(structpb.Value)
	if err := c.conn.Invoke(ctx, fullMethod(method), in.GetStructValue(), reply); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	return decode(reply, out)
}

func (c *Client) GetVersion(ctx context.Context) (string, error) {
	var v string
	err := c.invoke(ctx, "GetVersion", &Request{}, &v)
	return v, err
}

func (c *Client) Shutdown(ctx context.Context) error {
	return c.invoke(ctx, "Shutdown", &Request{}, nil)
}

func (c *Client) GetServices(ctx context.Context) ([]Service, error) {
	var v []Service
	err := c.invoke(ctx, "GetServices", &Request{}, &v)
	return v, err
}

func (c *Client) GetRouters(ctx context.Context) ([]Router, error) {
	var v []Router
	err := c.invoke(ctx, "GetRouters", &Request{}, &v)
	return v, err
}

func (c *Client) GetBGPSessions(ctx context.Context, router string) ([]BGPSession, error) {
	var v []BGPSession
	err := c.invoke(ctx, "GetBGPSessions", &Request{Router: router}, &v)
	return v, err
}

func (c *Client) GetBGPTable(ctx context.Context, router string) ([]BGPEntry, error) {
	var v []BGPEntry
	err := c.invoke(ctx, "GetBGPTable", &Request{Router: router}, &v)
	return v, err
}

func (c *Client) GetOSPFInterfaces(ctx context.Context, router string) ([]OSPFInterface, error) {
	var v []OSPFInterface
	err := c.invoke(ctx, "GetOSPFInterfaces", &Request{Router: router}, &v)
	return v, err
}

func (c *Client) GetLSDB(ctx context.Context, router string) ([]LSA, error) {
	var v []LSA
	err := c.invoke(ctx, "GetLSDB", &Request{Router: router}, &v)
	return v, err
}

func (c *Client) GetRoutes(ctx context.Context, router string) ([]Route, error) {
	var v []Route
	err := c.invoke(ctx, "GetRoutes", &Request{Router: router}, &v)
	return v, err
}

func (c *Client) GetKernelRoutes(ctx context.Context, router string) ([]Route, error) {
	var v []Route
	err := c.invoke(ctx, "GetKernelRoutes", &Request{Router: router}, &v)
	return v, err
}
