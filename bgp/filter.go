package bgp

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/davidbalbert/chatter/chatterd/common"
	"github.com/davidbalbert/chatter/config"
	"github.com/google/cel-go/cel"
)

// Policy is a compiled route policy expression. It sees two variables:
//
//	route: prefix, prefix_len, next_hop, origin, as_path
//	peer:  address, as, internal
type Policy struct {
	expr string
	prg  cel.Program
}

func newPolicyEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("route", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("peer", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// CompilePolicy compiles expr, which must evaluate to a bool. An empty
// expression compiles to nil, which accepts everything.
func CompilePolicy(expr string) (*Policy, error) {
	if expr == "" {
		return nil, nil
	}

	env, err := newPolicyEnv()
	if err != nil {
		return nil, err
	}

	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, fmt.Errorf("policy %q: %w", expr, iss.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("policy %q: must evaluate to bool, not %s", expr, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", expr, err)
	}

	return &Policy{expr: expr, prg: prg}, nil
}

// Accept reports whether the policy lets e through on the session with
// peer. Evaluation errors reject the route.
func (p *Policy) Accept(e Entry, peer *Session) (bool, error) {
	if p == nil {
		return true, nil
	}

	path := make([]int64, len(e.ASPath))
	for i, as := range e.ASPath {
		path[i] = int64(as)
	}

	vars := map[string]any{
		"route": map[string]any{
			"prefix":     e.Prefix.String(),
			"prefix_len": int64(e.Prefix.Bits()),
			"next_hop":   e.NextHop.String(),
			"origin":     int64(e.Origin),
			"as_path":    path,
		},
		"peer": map[string]any{
			"address":  peer.peer.String(),
			"as":       int64(peer.cfg.RemoteAS),
			"internal": peer.typ == SessionIGP,
		},
	}

	out, _, err := p.prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("policy %q: %w", p.expr, err)
	}

	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("policy %q: result is %T, not bool", p.expr, out.Value())
	}

	return ok, nil
}

// Filter holds the deny lists and policies of a router.
type Filter struct {
	denyRouteIn  []netip.Prefix
	denyRouteOut []netip.Prefix
	denyASIn     []common.ASN
	denyASOut    []common.ASN

	importPolicy *Policy
	exportPolicy *Policy
}

func NewFilter(c *config.BGPConfig) (*Filter, error) {
	f := &Filter{
		denyRouteIn:  c.DenyRouteIn,
		denyRouteOut: c.DenyRouteOut,
		denyASIn:     c.DenyASIn,
		denyASOut:    c.DenyASOut,
	}

	var err error
	if f.importPolicy, err = CompilePolicy(c.ImportPolicy); err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}
	if f.exportPolicy, err = CompilePolicy(c.ExportPolicy); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	return f, nil
}

// denied reports whether the prefix is listed exactly, or the path contains
// a listed AS.
func denied(e Entry, prefixes []netip.Prefix, asns []common.ASN) bool {
	if slices.Contains(prefixes, e.Prefix.Masked()) {
		return true
	}

	for _, as := range e.ASPath {
		if slices.Contains(asns, as) {
			return true
		}
	}

	return false
}

func (f *Filter) DeniedIn(e Entry) bool {
	return denied(e, f.denyRouteIn, f.denyASIn)
}

func (f *Filter) DeniedOut(e Entry) bool {
	return denied(e, f.denyRouteOut, f.denyASOut)
}

// hasASLoop reports whether as appears in path after the first hop.
func hasASLoop(path []common.ASN, as common.ASN) bool {
	if len(path) < 2 {
		return false
	}
	return slices.Contains(path[1:], as)
}
