package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wolfguard/gobgpd/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print gobgpdctl build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version.Full("gobgpdctl"))
		},
	}
}
