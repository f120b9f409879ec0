package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/pqi/internal/config"
)

const (
	appName    = "pqi"
	appVersion = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Remote GUI inspector",
	Long: `pqi inspects the widget trees of running GUI processes over a small
line-oriented TCP protocol:
  - inspector: tracks targets and the current selection
  - agent: a demo in-process agent backed by a simulated widget tree
  - config: write or show configuration
  - MCP server (inspector --mcp) for AI coding assistants

By default the inspector listens and agents dial it. --role swaps that:
"server" makes a command listen, "client" makes it dial.`,
	Version: appVersion,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", appName, appVersion)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: global config plus nearest .pqi.kdl)")
	rootCmd.PersistentFlags().String("host", "", "Inspector host")
	rootCmd.PersistentFlags().Int("port", 0, "Inspector port")
	rootCmd.PersistentFlags().String("role", "", `Transport side: "server" listens, "client" dials (default: inspector listens, agent dials)`)
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Trace every command")

	rootCmd.AddCommand(versionCmd)
	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the configuration and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = config.LoadConfigFile(path)
	} else {
		cfg, err = config.Load(".")
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Inspector.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Inspector.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("role") {
		cfg.Role, _ = flags.GetString("role")
	}
	if flags.Changed("verbose") {
		cfg.Verbose, _ = flags.GetBool("verbose")
	}
	return cfg, nil
}
