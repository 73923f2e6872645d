package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mosaicxc/aggrelayer/config"
	"github.com/mosaicxc/aggrelayer/log"
)

const flagHome = "home"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "aggrelayer",
	Short: "This application aggregates and relays packets between configured chains",
}

func init() {
	cobra.EnableCommandSorting = false
	rootCmd.SilenceUsage = true
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aggrelayer"
	}
	return filepath.Join(home, ".aggrelayer")
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute(modules ...config.ModuleI) {
	ctx := &config.Context{Modules: modules}

	rootCmd.PersistentFlags().String(flagHome, defaultHome(), "set home directory")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		home, err := cmd.Flags().GetString(flagHome)
		if err != nil {
			return err
		}
		cfg, err := config.Load(home)
		if err != nil {
			return err
		}
		ctx.Home = home
		ctx.Config = &cfg
		return log.InitLogger(cfg.Global.LogLevel, cfg.Global.LogFormat, cfg.Global.LogOutput)
	}

	rootCmd.AddCommand(
		configCmd(ctx),
		chainCmd(ctx),
		clientCmd(ctx),
		connectionCmd(ctx),
		channelCmd(ctx),
		aggregatorCmd(ctx),
	)
	for _, m := range modules {
		if cmd := m.GetCmd(ctx); cmd != nil {
			rootCmd.AddCommand(cmd)
		}
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func noCommand(cmd *cobra.Command, args []string) error {
	cmd.Help()
	return fmt.Errorf("expected a subcommand")
}
