package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/davidbalbert/chatter/api"
	"github.com/spf13/cobra"
)

var (
	socketPath   string
	outputFormat string
	timeout      time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "chatterc",
	Short:         "Inspect and control a running chatterd",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFormat {
		case "table", "yaml":
			return nil
		default:
			return fmt.Errorf("unknown output format %q", outputFormat)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show chatterd's version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *api.Client) error {
			version, err := client.GetVersion(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "v%s\n", version)
			return nil
		})
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Shut chatterd down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *api.Client) error {
			return client.Shutdown(ctx)
		})
	},
}

func withClient(cmd *cobra.Command, fn func(context.Context, *api.Client) error) error {
	client, err := api.NewClient(socketPath)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	return fn(ctx, client)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/chatterd.sock", "path to chatterd socket")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for chatterd")

	rootCmd.AddCommand(versionCmd, shutdownCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
