package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mosaicxc/aggrelayer/config"
	"github.com/mosaicxc/aggrelayer/core"
)

const (
	flagSourceClient = "sourceclient"
	flagTargetClient = "targetclient"
)

func connectionCmd(ctx *config.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connection",
		Aliases: []string{"conn"},
		Short:   "manage connections",
		RunE:    noCommand,
	}

	cmd.AddCommand(
		connectionCreateCmd(ctx),
	)

	return cmd
}

func connectionCreateCmd(ctx *config.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Runs the four-step handshake until both connection ends are OPEN",
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := cmd.Flags().GetString(flagSource)
			if err != nil {
				return err
			}
			target, err := cmd.Flags().GetString(flagTarget)
			if err != nil {
				return err
			}
			sourceClient, err := cmd.Flags().GetString(flagSourceClient)
			if err != nil {
				return err
			}
			targetClient, err := cmd.Flags().GetString(flagTargetClient)
			if err != nil {
				return err
			}

			if err := ctx.Init(); err != nil {
				return err
			}
			defer ctx.Teardown(cmd.Context())

			srcEnd, dstEnd, err := ctx.Connections.CreateConnection(cmd.Context(),
				core.ConnSide{ChainID: source, ClientID: sourceClient},
				core.ConnSide{ChainID: target, ClientID: targetClient},
			)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n%s: %s\n",
				source, srcEnd.ConnectionID, target, dstEnd.ConnectionID)
			return nil
		},
	}
	cmd.Flags().String(flagSource, "", "chain id of the initiating side")
	cmd.Flags().String(flagTarget, "", "chain id of the responding side")
	cmd.Flags().String(flagSourceClient, "", "client id on the initiating side")
	cmd.Flags().String(flagTargetClient, "", "client id on the responding side")
	cmd.MarkFlagRequired(flagSource)
	cmd.MarkFlagRequired(flagTarget)
	cmd.MarkFlagRequired(flagSourceClient)
	cmd.MarkFlagRequired(flagTargetClient)
	return cmd
}
