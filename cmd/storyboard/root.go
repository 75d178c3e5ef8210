package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"storyboard/internal/config"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:           "storyboard",
		Short:         "Real-time collaborative session coordinator",
		Long:          "storyboard coordinates live editing sessions on shared projects: presence, an exclusive edit lease, fan-out of updates and chat, and durable change history.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (JSON, YAML or TOML)")
	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.AddCommand(
		newServeCmd(v),
		newMigrateCmd(v),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig resolves flags > environment > file > defaults.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	return config.Load(v.GetString("config"), v)
}

// bindFlags binds config keys to the named local flags of cmd.
func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) error {
	for key, name := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}
