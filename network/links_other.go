//go:build !linux

package network

import (
	"context"
	"errors"
)

func (r *Router) attachFIB(simulated bool) error {
	if r.conf.KernelExport {
		return errors.New("kernel-export is only supported on linux")
	}
	return nil
}

// watchLinks has nothing to watch off linux. Interfaces stay up.
func (n *Network) watchLinks(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
