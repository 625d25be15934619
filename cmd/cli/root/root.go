package root

import (
	"github.com/crucial707/hours-reconcile/cmd/cli/config"
	"github.com/spf13/cobra"
)

// RootCmd is the hoursctl entry point. Subcommand packages register themselves in init.
var RootCmd = &cobra.Command{
	Use:           "hoursctl",
	Short:         "Hours reconciliation operator CLI",
	Long:          "Command line interface for triggering reconciliations, reviewing conflicts and running migrations.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	f := RootCmd.PersistentFlags()
	f.StringVar(&config.Flags.APIURL, "api-url", "", "API base URL (env HOURS_API_URL)")
	f.StringVar(&config.Flags.Token, "token", "", "bearer token (env HOURS_TOKEN)")
}

// GetRoot returns the RootCmd.
func GetRoot() *cobra.Command {
	return RootCmd
}
