package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/autotrader/internal/config"
	"github.com/Rajchodisetti/autotrader/internal/observ"
)

// version is set with -ldflags "-X main.version=..."
var version = "dev"

type rootFlags struct {
	configPath string
	envFile    string
	mode       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "autotrader",
		Short:         "Autonomous equity trading loop",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file (defaults when empty)")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before config")
	root.PersistentFlags().StringVar(&flags.mode, "mode", "", "override mode: paper | live")

	root.AddCommand(
		newRunCmd(flags),
		newOnceCmd(flags),
		newBreakerCmd(flags),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads .env (best-effort), the config file and flag overrides,
// then initializes logging.
func loadConfig(flags *rootFlags) (config.Root, error) {
	if flags.envFile != "" {
		if err := godotenv.Load(flags.envFile); err != nil && !os.IsNotExist(err) {
			return config.Root{}, fmt.Errorf("load %s: %w", flags.envFile, err)
		}
	}

	var (
		cfg config.Root
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.Load(flags.configPath)
		if err != nil {
			return cfg, err
		}
	} else {
		cfg = config.Default()
		cfg.ApplyEnv()
	}
	if flags.mode != "" {
		cfg.Mode = flags.mode
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}

	if err := observ.Init(cfg.Log); err != nil {
		return cfg, err
	}
	observ.SetVersion(version)
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
