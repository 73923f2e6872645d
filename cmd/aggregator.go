package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/mosaicxc/aggrelayer/config"
	"github.com/mosaicxc/aggrelayer/core"
	"github.com/mosaicxc/aggrelayer/internal/telemetry"
	"github.com/mosaicxc/aggrelayer/log"
	"github.com/mosaicxc/aggrelayer/metrics"
)

const (
	flagMode         = "mode"
	flagGroupingType = "gtype"
	flagWorkers      = "workers"
	flagInterval     = "interval"
	flagMaxGroupSize = "max-group-size"
	flagSeed         = "seed"
	flagMetricsAddr  = "metrics-addr"
)

func aggregatorCmd(ctx *config.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "aggregator",
		Aliases: []string{"agg"},
		Short:   "run and inspect the relay aggregator",
		RunE:    noCommand,
	}

	cmd.AddCommand(
		aggregatorStartCmd(ctx),
		aggregatorStatusCmd(ctx),
	)

	return cmd
}

func aggregatorStartCmd(ctx *config.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Starts the aggregation scheduler and chain monitors",
		RunE: func(cmd *cobra.Command, args []string) error {
			modeStr, err := cmd.Flags().GetString(flagMode)
			if err != nil {
				return err
			}
			gtype, err := cmd.Flags().GetInt(flagGroupingType)
			if err != nil {
				return err
			}
			workers, err := cmd.Flags().GetInt(flagWorkers)
			if err != nil {
				return err
			}
			interval, err := cmd.Flags().GetDuration(flagInterval)
			if err != nil {
				return err
			}
			maxGroupSize, err := cmd.Flags().GetInt(flagMaxGroupSize)
			if err != nil {
				return err
			}
			seed, err := cmd.Flags().GetInt64(flagSeed)
			if err != nil {
				return err
			}
			metricsAddr, err := cmd.Flags().GetString(flagMetricsAddr)
			if err != nil {
				return err
			}

			mode, err := core.ParseRelayMode(modeStr)
			if err != nil {
				return err
			}
			groupingType, err := core.ParseGroupingType(gtype)
			if err != nil {
				return err
			}
			if workers == 0 {
				workers = ctx.Config.Global.Workers
			}
			if maxGroupSize == 0 {
				maxGroupSize = ctx.Config.Global.MaxGroupSize
			}
			if interval == 0 {
				if interval, err = ctx.Config.Global.GetRelayInterval(); err != nil {
					return err
				}
			}
			if metricsAddr == "" {
				metricsAddr = ctx.Config.Global.MetricsAddr
			}

			if err := ctx.Init(); err != nil {
				return err
			}
			defer ctx.Teardown(cmd.Context())

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			otelShutdown, err := telemetry.SetupOTelSDK(runCtx)
			if err != nil {
				return err
			}
			defer otelShutdown(cmd.Context())

			relayer := core.NewRelayer(ctx.Registry, ctx.Clients, ctx.Pool)
			scheduler, err := core.NewScheduler(relayer, ctx.Store, core.SchedulerConfig{
				Mode:         mode,
				GroupingType: groupingType,
				Workers:      workers,
				MaxGroupSize: maxGroupSize,
				Interval:     interval,
				Seed:         seed,
			})
			if err != nil {
				return err
			}
			monitor := core.NewMonitor(ctx.Registry, ctx.Clients, ctx.Pool, scheduler)

			if metricsAddr != "" {
				go func() {
					if err := metrics.ServeMetrics(metricsAddr); err != nil {
						log.GetLogger().Error("metrics endpoint failed", err)
					}
				}()
			}

			eg, runCtx := errgroup.WithContext(runCtx)
			eg.Go(func() error { return scheduler.Start(runCtx) })
			eg.Go(func() error { return monitor.Start(runCtx) })
			return eg.Wait()
		},
	}
	aggregatorFlags(cmd.Flags())
	return cmd
}

func aggregatorFlags(fs *pflag.FlagSet) {
	fs.String(flagMode, string(core.RelayModeMosaicXC), "relay mode (mosaicxc or cosmosibc)")
	fs.Int(flagGroupingType, int(core.NonGrouping), "grouping type (0 none, 1 random, 2 cluster-random)")
	fs.Int(flagWorkers, 0, "number of relay workers; defaults from config")
	fs.Duration(flagInterval, 0, "scheduling cycle interval; defaults from config")
	fs.Int(flagMaxGroupSize, 0, "maximum intents per group; defaults from config")
	fs.Int64(flagSeed, 0, "grouping RNG seed; 0 seeds from the clock")
	fs.String(flagMetricsAddr, "", "prometheus listen address; defaults from config")
}

func aggregatorStatusCmd(ctx *config.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Prints the aggregator's cumulative relay accounting",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.Init(); err != nil {
				return err
			}
			defer ctx.Teardown(cmd.Context())

			status, err := core.ReadSchedulerStatus(ctx.Store)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	return cmd
}
