package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mosaicxc/aggrelayer/config"
	"github.com/mosaicxc/aggrelayer/core"
)

const (
	flagSource         = "source"
	flagTarget         = "target"
	flagClientType     = "clienttype"
	flagTrustingPeriod = "trusting-period"
)

func clientCmd(ctx *config.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "client",
		Aliases: []string{"clients"},
		Short:   "manage light clients",
		RunE:    noCommand,
	}

	cmd.AddCommand(
		clientCreateCmd(ctx),
		clientListCmd(ctx),
		clientRemoveCmd(ctx),
	)

	return cmd
}

func clientCreateCmd(ctx *config.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Creates a light client on the source side tracking the target chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := cmd.Flags().GetString(flagSource)
			if err != nil {
				return err
			}
			target, err := cmd.Flags().GetString(flagTarget)
			if err != nil {
				return err
			}
			clientTypeStr, err := cmd.Flags().GetString(flagClientType)
			if err != nil {
				return err
			}
			trustingPeriod, err := cmd.Flags().GetDuration(flagTrustingPeriod)
			if err != nil {
				return err
			}
			clientType, err := core.ParseClientType(clientTypeStr)
			if err != nil {
				return err
			}

			if err := ctx.Init(); err != nil {
				return err
			}
			defer ctx.Teardown(cmd.Context())

			targetChain, err := ctx.Registry.Get(target)
			if err != nil {
				return err
			}
			latest, err := targetChain.LatestHeight(cmd.Context())
			if err != nil {
				return err
			}
			initial, err := targetChain.FetchHeader(cmd.Context(), latest, core.Height{})
			if err != nil {
				return err
			}

			client, err := ctx.Clients.CreateClient(cmd.Context(), source, target, clientType, initial, trustingPeriod)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), client.ClientID)
			return nil
		},
	}
	cmd.Flags().String(flagSource, "", "chain id of the hosting side")
	cmd.Flags().String(flagTarget, "", "chain id the client tracks")
	cmd.Flags().String(flagClientType, "", "client type (tendermint or aggrelite)")
	cmd.Flags().Duration(flagTrustingPeriod, 336*time.Hour, "trusting period of the client")
	cmd.MarkFlagRequired(flagSource)
	cmd.MarkFlagRequired(flagTarget)
	cmd.MarkFlagRequired(flagClientType)
	return cmd
}

func clientListCmd(ctx *config.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"l"},
		Short:   "Lists light clients and their trusted heights",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.Init(); err != nil {
				return err
			}
			defer ctx.Teardown(cmd.Context())

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CLIENT ID\tTYPE\tSOURCE\tTARGET\tTRUSTED HEIGHT")
			for _, chainID := range ctx.Registry.ChainIDs() {
				for _, c := range ctx.Clients.ClientsTracking(chainID) {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						c.ClientID, c.Type, c.SourceChain, c.TargetChain, c.TrustedHeight)
				}
			}
			return w.Flush()
		},
	}
	return cmd
}

func clientRemoveCmd(ctx *config.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove [client-id]",
		Short: "Deregisters a light client that no connection references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.Init(); err != nil {
				return err
			}
			defer ctx.Teardown(cmd.Context())
			return ctx.Clients.RemoveClient(args[0])
		},
	}
	return cmd
}
