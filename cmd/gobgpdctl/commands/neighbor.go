package commands

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/spf13/cobra"

	"github.com/wolfguard/gobgpd/internal/server"
)

// Sentinel errors for CLI validation.
var (
	errAddrRequired     = errors.New("--addr flag is required")
	errRemoteASRequired = errors.New("--remote-as flag is required")
)

func neighborCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "neighbor",
		Aliases: []string{"n"},
		Short:   "Manage BGP neighbors",
	}

	cmd.AddCommand(neighborListCmd())
	cmd.AddCommand(neighborShowCmd())
	cmd.AddCommand(neighborAddCmd())
	cmd.AddCommand(neighborDeleteCmd())
	cmd.AddCommand(neighborEnableCmd())
	cmd.AddCommand(neighborDisableCmd())
	cmd.AddCommand(neighborClearCmd())

	return cmd
}

// --- neighbor list ---

func neighborListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all BGP neighbors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var neighbors []server.Neighbor
			if err := client.get(cmd.Context(), "/v1/neighbors", &neighbors); err != nil {
				return fmt.Errorf("list neighbors: %w", err)
			}

			out, err := formatNeighbors(neighbors, outputFormat)
			if err != nil {
				return fmt.Errorf("format neighbors: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- neighbor show ---

func neighborShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <peer-address>",
		Short: "Show details of a BGP neighbor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parsePeerArg(args[0])
			if err != nil {
				return err
			}

			var n server.Neighbor
			if err := client.get(cmd.Context(), "/v1/neighbors/"+addr, &n); err != nil {
				if notFound(err) {
					return fmt.Errorf("no neighbor configured for %s", addr)
				}
				return fmt.Errorf("get neighbor: %w", err)
			}

			out, err := formatNeighbor(n, outputFormat)
			if err != nil {
				return fmt.Errorf("format neighbor: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- neighbor add ---

func neighborAddCmd() *cobra.Command {
	var (
		addr      string
		port      uint16
		remoteAS  uint32
		remoteID  string
		holdTime  time.Duration
		passive   bool
		adminDown bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Configure a new BGP neighbor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				return errAddrRequired
			}
			if remoteAS == 0 {
				return errRemoteASRequired
			}

			req := server.AddNeighborRequest{
				Addr:      addr,
				Port:      port,
				RemoteAS:  remoteAS,
				RemoteID:  remoteID,
				Passive:   passive,
				AdminDown: adminDown,
			}
			if holdTime != 0 {
				req.HoldTime = holdTime.String()
			}

			var n server.Neighbor
			if err := client.post(cmd.Context(), "/v1/neighbors", req, &n); err != nil {
				return fmt.Errorf("add neighbor: %w", err)
			}

			out, err := formatNeighbor(n, outputFormat)
			if err != nil {
				return fmt.Errorf("format neighbor: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", "", "peer IP address (required)")
	flags.Uint16Var(&port, "port", 0, "peer BGP port (default 179)")
	flags.Uint32Var(&remoteAS, "remote-as", 0, "peer AS number (required)")
	flags.StringVar(&remoteID, "remote-id", "", "expected peer BGP identifier (dotted quad)")
	flags.DurationVar(&holdTime, "hold-time", 0, "proposed hold time (default from daemon config)")
	flags.BoolVar(&passive, "passive", false, "never initiate the connection")
	flags.BoolVar(&adminDown, "admin-down", false, "create administratively disabled")

	return cmd
}

// --- neighbor delete ---

func neighborDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <peer-address>",
		Short: "Remove a BGP neighbor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parsePeerArg(args[0])
			if err != nil {
				return err
			}

			if err := client.delete(cmd.Context(), "/v1/neighbors/"+addr); err != nil {
				return fmt.Errorf("delete neighbor: %w", err)
			}

			fmt.Printf("Neighbor %s deleted.\n", addr)

			return nil
		},
	}
}

// --- neighbor enable / disable / clear ---

func neighborEnableCmd() *cobra.Command {
	return neighborActionCmd("enable", "Administratively enable a BGP neighbor")
}

func neighborDisableCmd() *cobra.Command {
	return neighborActionCmd("disable", "Administratively disable a BGP neighbor")
}

func neighborClearCmd() *cobra.Command {
	return neighborActionCmd("clear", "Hard-reset a BGP neighbor session")
}

// neighborActionCmd builds the shared shape of the verb subcommands that
// POST to /v1/neighbors/{addr}/<action>.
func neighborActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <peer-address>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parsePeerArg(args[0])
			if err != nil {
				return err
			}

			if err := client.post(cmd.Context(), "/v1/neighbors/"+addr+"/"+action, nil, nil); err != nil {
				return fmt.Errorf("%s neighbor: %w", action, err)
			}

			fmt.Printf("Neighbor %s: %s requested.\n", addr, action)

			return nil
		},
	}
}

// parsePeerArg validates the peer address argument before it goes into a
// URL path.
func parsePeerArg(s string) (string, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", fmt.Errorf("parse peer address %q: %w", s, err)
	}
	return addr.String(), nil
}
