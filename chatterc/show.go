package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/davidbalbert/chatter/api"
	"github.com/davidbalbert/chatter/rpc"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show running system information",
}

var showServicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Running services",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *api.Client) error {
			services, err := client.GetServices(ctx)
			if err != nil {
				return err
			}

			return render(cmd.OutOrStdout(), services, []string{"Name", "Type"}, func(s rpc.Service) []string {
				return []string{s.Name, s.Type}
			})
		})
	},
}

var showRoutersCmd = &cobra.Command{
	Use:   "routers",
	Short: "Configured routers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *api.Client) error {
			routers, err := client.GetRouters(ctx)
			if err != nil {
				return err
			}

			return render(cmd.OutOrStdout(), routers, []string{"Name", "Router ID", "Protocols", "Interfaces"}, func(r rpc.Router) []string {
				return []string{r.Name, r.RouterID, protocols(r), strings.Join(r.Interfaces, ",")}
			})
		})
	},
}

func protocols(r rpc.Router) string {
	var ps []string
	if r.BGP {
		ps = append(ps, "bgp")
	}
	if r.OSPF {
		ps = append(ps, "ospf")
	}
	if len(ps) == 0 {
		return "-"
	}
	return strings.Join(ps, ",")
}

var showRoutesCmd = &cobra.Command{
	Use:   "routes ROUTER",
	Short: "Routing table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *api.Client) error {
			routes, err := client.GetRoutes(ctx, args[0])
			if err != nil {
				return err
			}
			return renderRoutes(cmd, routes)
		})
	},
}

var showKernelCmd = &cobra.Command{
	Use:   "kernel ROUTER",
	Short: "Forwarding table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *api.Client) error {
			routes, err := client.GetKernelRoutes(ctx, args[0])
			if err != nil {
				return err
			}
			return renderRoutes(cmd, routes)
		})
	},
}

func renderRoutes(cmd *cobra.Command, routes []rpc.Route) error {
	return render(cmd.OutOrStdout(), routes, []string{"Prefix", "Gateway", "Interface", "Metric", "Source"}, func(r rpc.Route) []string {
		gw := "direct"
		if r.Gateway.IsValid() {
			gw = r.Gateway.String()
		}

		source := r.Source
		if r.External {
			source += " (external)"
		}

		return []string{
			r.Prefix.String(),
			gw,
			r.Interface,
			strconv.FormatUint(uint64(r.Metric), 10),
			source,
		}
	})
}

var showBGPCmd = &cobra.Command{
	Use:   "bgp",
	Short: "BGP information",
}

var showBGPSessionsCmd = &cobra.Command{
	Use:   "sessions ROUTER",
	Short: "BGP sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *api.Client) error {
			sessions, err := client.GetBGPSessions(ctx, args[0])
			if err != nil {
				return err
			}

			headers := []string{"Peer", "AS", "Type", "State", "Sent", "Received"}
			return render(cmd.OutOrStdout(), sessions, headers, func(s rpc.BGPSession) []string {
				return []string{
					s.Peer.String(),
					strconv.FormatUint(uint64(s.PeerAS), 10),
					s.Type,
					s.State,
					strconv.FormatUint(s.MessagesSent, 10),
					strconv.FormatUint(s.MessagesReceived, 10),
				}
			})
		})
	},
}

var showBGPTableCmd = &cobra.Command{
	Use:   "table ROUTER",
	Short: "Routes learned from BGP peers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *api.Client) error {
			entries, err := client.GetBGPTable(ctx, args[0])
			if err != nil {
				return err
			}

			headers := []string{"Prefix", "Next Hop", "Origin", "AS Path", "Peer"}
			return render(cmd.OutOrStdout(), entries, headers, func(e rpc.BGPEntry) []string {
				path := make([]string, len(e.ASPath))
				for i, as := range e.ASPath {
					path[i] = strconv.FormatUint(uint64(as), 10)
				}

				return []string{
					e.Prefix.String(),
					e.NextHop.String(),
					e.Origin,
					strings.Join(path, " "),
					e.Peer.String(),
				}
			})
		})
	},
}

var showOSPFCmd = &cobra.Command{
	Use:   "ospf",
	Short: "OSPF information",
}

var showOSPFInterfacesCmd = &cobra.Command{
	Use:   "interfaces ROUTER",
	Short: "OSPF interfaces",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *api.Client) error {
			ifaces, err := client.GetOSPFInterfaces(ctx, args[0])
			if err != nil {
				return err
			}

			headers := []string{"Name", "Area", "Address", "State", "DR", "BDR", "Neighbors"}
			return render(cmd.OutOrStdout(), ifaces, headers, func(i rpc.OSPFInterface) []string {
				var full int
				for _, n := range i.Neighbors {
					if n.State == "Full" {
						full++
					}
				}

				return []string{
					i.Name,
					i.Area,
					i.Prefix.String(),
					i.State,
					orDash(i.DR),
					orDash(i.BDR),
					fmt.Sprintf("%d/%d", full, len(i.Neighbors)),
				}
			})
		})
	},
}

var showOSPFDatabaseCmd = &cobra.Command{
	Use:     "database ROUTER",
	Aliases: []string{"lsdb"},
	Short:   "Link state database",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *api.Client) error {
			lsas, err := client.GetLSDB(ctx, args[0])
			if err != nil {
				return err
			}

			headers := []string{"Area", "Type", "Link ID", "ADV Router", "Age", "Seq#", "Checksum"}
			return render(cmd.OutOrStdout(), lsas, headers, func(l rpc.LSA) []string {
				return []string{
					l.Area,
					l.Type,
					l.ID.String(),
					l.AdvRouter,
					strconv.Itoa(int(l.Age)),
					l.Seq,
					l.Checksum,
				}
			})
		})
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	showBGPCmd.AddCommand(showBGPSessionsCmd, showBGPTableCmd)
	showOSPFCmd.AddCommand(showOSPFInterfacesCmd, showOSPFDatabaseCmd)
	showCmd.AddCommand(showServicesCmd, showRoutersCmd, showRoutesCmd, showKernelCmd, showBGPCmd, showOSPFCmd)

	rootCmd.AddCommand(showCmd)
}
