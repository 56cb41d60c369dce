package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var harvestAll bool

var harvestCmd = &cobra.Command{
	Use:   "harvest [source-slug]",
	Short: "Harvest funding opportunities from a source",
	Long:  "Runs the five-stage pipeline for one source, or with --all for every active source whose cadence is due.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if harvestAll == (len(args) == 1) {
			return eris.New("provide exactly one of a source slug or --all")
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if harvestAll {
			return harvestDueSources(cmd, env)
		}

		src, err := env.Store.GetSourceBySlug(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "look up source")
		}
		if src == nil {
			return eris.Errorf("unknown source: %s", args[0])
		}

		result, err := env.Pipeline.Run(ctx, src.ID, "")
		if err != nil {
			return eris.Wrap(err, "harvest")
		}
		if err := env.Store.MarkSourceHarvested(ctx, src.ID, time.Now().UTC()); err != nil {
			zap.L().Warn("failed to record harvest time", zap.String("source", src.Slug), zap.Error(err))
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

// harvestDueSources runs every active source whose cadence is due. One
// source's failure never aborts its siblings; the loop stops only on
// context cancellation.
func harvestDueSources(cmd *cobra.Command, env *pipelineEnv) error {
	ctx := cmd.Context()
	log := zap.L().With(zap.String("component", "harvest.batch"))
	now := time.Now().UTC()

	sources, err := env.Store.ListSources(ctx, true)
	if err != nil {
		return eris.Wrap(err, "list sources")
	}
	if len(sources) == 0 {
		log.Info("no active sources")
		return nil
	}

	force, _ := cmd.Flags().GetBool("force")

	var harvested, skipped, failed int
	for i := range sources {
		src := &sources[i]

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		srcLog := log.With(zap.String("source", src.Slug))

		if !force && !src.Due(now) {
			srcLog.Debug("skipping (not due)")
			skipped++
			continue
		}

		srcLog.Info("starting harvest")
		start := time.Now()
		result, err := env.Pipeline.Run(ctx, src.ID, "")
		elapsed := time.Since(start)

		if err != nil {
			srcLog.Error("harvest failed", zap.Error(err), zap.Duration("elapsed", elapsed))
			failed++
			continue
		}

		if err := env.Store.MarkSourceHarvested(ctx, src.ID, time.Now().UTC()); err != nil {
			srcLog.Error("failed to record harvest time", zap.Error(err))
		}

		srcLog.Info("harvest complete",
			zap.Duration("elapsed", elapsed),
			zap.Int("new", result.OpportunitiesNew),
			zap.Int("updated", result.OpportunitiesUpd),
			zap.Int("skipped", result.OpportunitiesSkip),
		)
		harvested++
	}

	log.Info("batch harvest finished",
		zap.Int("harvested", harvested),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed),
	)
	return nil
}

func init() {
	harvestCmd.Flags().BoolVar(&harvestAll, "all", false, "harvest every active source whose cadence is due")
	harvestCmd.Flags().Bool("force", false, "with --all, ignore cadence and harvest every active source")
	rootCmd.AddCommand(harvestCmd)
}
