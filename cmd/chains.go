package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mosaicxc/aggrelayer/config"
	"github.com/mosaicxc/aggrelayer/core"
)

const (
	flagChainType = "type"
	flagChainFile = "file"
)

func chainCmd(ctx *config.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "chain",
		Aliases: []string{"ch", "chains"},
		Short:   "manage chain registrations",
		RunE:    noCommand,
	}

	cmd.AddCommand(
		chainRegisterCmd(ctx),
		chainListCmd(ctx),
	)

	return cmd
}

func chainRegisterCmd(ctx *config.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Registers a chain from a json config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			chainType, err := cmd.Flags().GetString(flagChainType)
			if err != nil {
				return err
			}
			file, err := cmd.Flags().GetString(flagChainFile)
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}

			m, err := ctx.Module(chainType)
			if err != nil {
				return err
			}
			cfg, err := m.ParseConfig(raw)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			for _, entry := range ctx.Config.Chains {
				existing, err := ctx.ParseChainConfig(entry)
				if err != nil {
					return err
				}
				if existing.ChainID() == cfg.ChainID() {
					return core.ErrConfigInvalid.Wrapf("chain %s is already registered", cfg.ChainID())
				}
			}

			ctx.Config.Chains = append(ctx.Config.Chains, config.ChainEntry{
				Type:   chainType,
				Config: json.RawMessage(raw),
			})
			return ctx.Config.Save()
		},
	}
	cmd.Flags().String(flagChainType, "", "chain module type of the config")
	cmd.Flags().StringP(flagChainFile, "f", "", "fetch json data from specified file")
	cmd.MarkFlagRequired(flagChainType)
	cmd.MarkFlagRequired(flagChainFile)
	return cmd
}

func chainListCmd(ctx *config.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"l"},
		Short:   "Lists registered chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHAIN ID\tTYPE")
			for _, entry := range ctx.Config.Chains {
				cfg, err := ctx.ParseChainConfig(entry)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\n", cfg.ChainID(), entry.Type)
			}
			return w.Flush()
		},
	}
	return cmd
}
