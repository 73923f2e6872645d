package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mosaicxc/aggrelayer/config"
	"github.com/mosaicxc/aggrelayer/core"
)

const (
	flagSourceConnection = "sourceconn"
	flagTargetConnection = "targetconn"
	flagSourcePort       = "sourceport"
	flagTargetPort       = "targetport"
	flagSourceOrdering   = "sourceordering"
	flagTargetOrdering   = "targetordering"
	flagSourceVersion    = "sourceversion"
	flagTargetVersion    = "targetversion"
)

func channelCmd(ctx *config.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "channel",
		Aliases: []string{"chan"},
		Short:   "manage channels",
		RunE:    noCommand,
	}

	cmd.AddCommand(
		channelCreateCmd(ctx),
	)

	return cmd
}

func channelCreateCmd(ctx *config.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Runs the four-step handshake until both channel ends are OPEN",
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := cmd.Flags().GetString(flagSource)
			if err != nil {
				return err
			}
			target, err := cmd.Flags().GetString(flagTarget)
			if err != nil {
				return err
			}
			sourceConn, err := cmd.Flags().GetString(flagSourceConnection)
			if err != nil {
				return err
			}
			targetConn, err := cmd.Flags().GetString(flagTargetConnection)
			if err != nil {
				return err
			}
			sourcePort, err := cmd.Flags().GetString(flagSourcePort)
			if err != nil {
				return err
			}
			targetPort, err := cmd.Flags().GetString(flagTargetPort)
			if err != nil {
				return err
			}
			srcVersion, err := cmd.Flags().GetString(flagSourceVersion)
			if err != nil {
				return err
			}
			dstVersion, err := cmd.Flags().GetString(flagTargetVersion)
			if err != nil {
				return err
			}
			srcOrdStr, err := cmd.Flags().GetString(flagSourceOrdering)
			if err != nil {
				return err
			}
			dstOrdStr, err := cmd.Flags().GetString(flagTargetOrdering)
			if err != nil {
				return err
			}
			srcOrdering, err := core.ParseOrdering(srcOrdStr)
			if err != nil {
				return err
			}
			dstOrdering, err := core.ParseOrdering(dstOrdStr)
			if err != nil {
				return err
			}

			if err := ctx.Init(); err != nil {
				return err
			}
			defer ctx.Teardown(cmd.Context())

			// each side's verifying client comes from its connection end
			srcConnEnd, err := ctx.Connections.Connection(source, sourceConn)
			if err != nil {
				return err
			}
			dstConnEnd, err := ctx.Connections.Connection(target, targetConn)
			if err != nil {
				return err
			}

			srcEnd, dstEnd, err := ctx.Channels.CreateChannel(cmd.Context(),
				core.ChanSide{
					ChainID:      source,
					ClientID:     srcConnEnd.ClientID,
					ConnectionID: sourceConn,
					PortID:       sourcePort,
					Version:      srcVersion,
					Ordering:     srcOrdering,
				},
				core.ChanSide{
					ChainID:      target,
					ClientID:     dstConnEnd.ClientID,
					ConnectionID: targetConn,
					PortID:       targetPort,
					Version:      dstVersion,
					Ordering:     dstOrdering,
				},
			)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s/%s\n%s: %s/%s\n",
				source, srcEnd.PortID, srcEnd.ChannelID,
				target, dstEnd.PortID, dstEnd.ChannelID)
			return nil
		},
	}
	cmd.Flags().String(flagSource, "", "chain id of the initiating side")
	cmd.Flags().String(flagTarget, "", "chain id of the responding side")
	cmd.Flags().String(flagSourceConnection, "", "connection id on the initiating side")
	cmd.Flags().String(flagTargetConnection, "", "connection id on the responding side")
	cmd.Flags().String(flagSourcePort, "transfer", "port id on the initiating side")
	cmd.Flags().String(flagTargetPort, "transfer", "port id on the responding side")
	cmd.Flags().String(flagSourceVersion, "", "channel version proposed by the initiating side")
	cmd.Flags().String(flagTargetVersion, "", "responder version; empty adopts the proposal")
	cmd.Flags().String(flagSourceOrdering, string(core.Unordered), "channel ordering on the initiating side")
	cmd.Flags().String(flagTargetOrdering, string(core.Unordered), "channel ordering on the responding side")
	cmd.MarkFlagRequired(flagSource)
	cmd.MarkFlagRequired(flagTarget)
	cmd.MarkFlagRequired(flagSourceConnection)
	cmd.MarkFlagRequired(flagTargetConnection)
	return cmd
}
