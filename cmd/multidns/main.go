// Command multidns is a thin demonstration binary over the resolver
// library: it loads a YAML config, builds a resolver.Builder from it, and
// exposes resolve/stats/serve subcommands, one file per subcommand sharing
// a single rootCmd.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "multidns",
	Short: "Recursive DNS stub resolver with health-aware upstream selection",
	Long:  "multidns resolves DNS queries against a pool of upstreams, tracking their health and racing or falling back between them per the configured strategy.",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "multidns.yaml", "path to the YAML config file")
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
