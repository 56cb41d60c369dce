package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/grantflow/harvest-cli/internal/model"
	"github.com/grantflow/harvest-cli/internal/resilience"
	"github.com/grantflow/harvest-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect harvest run history",
	Long:  "Commands for listing, viewing, resuming, and summarizing pipeline runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		sourceID, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{
			SourceID: sourceID,
			Status:   model.RunStatus(status),
			Limit:    limit,
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run, including its dead letters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		if run == nil {
			return eris.Errorf("unknown run: %s", args[0])
		}

		letters, err := st.ListDeadLetters(ctx, resilience.DLQFilter{RunID: run.ID})
		if err != nil {
			return eris.Wrap(err, "runs show: dead letters")
		}

		out := struct {
			Run         *model.Run              `json:"run"`
			DeadLetters []resilience.DeadLetter `json:"dead_letters,omitempty"`
		}{Run: run, DeadLetters: letters}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

// -- runs resume --

var runsResumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume an interrupted run, skipping completed stages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Store.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs resume")
		}
		if run == nil {
			return eris.Errorf("unknown run: %s", args[0])
		}

		result, err := env.Pipeline.Run(ctx, run.SourceID, run.ID)
		if err != nil {
			return eris.Wrap(err, "runs resume")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		since, _ := cmd.Flags().GetDuration("since")
		filter := store.RunFilter{}
		if since > 0 {
			filter.StartedAfter = time.Now().Add(-since)
		}
		filter.Limit = 10000 // high limit for stats

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		stats := computeRunStats(runs)
		formatRunStats(os.Stdout, stats)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, completed, failed)")
	runsListCmd.Flags().String("source", "", "filter by source ID")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsResumeCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total       int
	Completed   int
	Failed      int
	Running     int
	Transient   int
	Permanent   int
	New         int
	Updated     int
	Skipped     int
	AvgDurSecs  float64
	FailByStage map[model.Stage]int
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.Run) runStats {
	s := runStats{FailByStage: make(map[model.Stage]int)}
	s.Total = len(runs)

	var totalMs int64
	var durCount int

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusCompleted:
			s.Completed++
			if r.Result != nil {
				s.New += r.Result.OpportunitiesNew
				s.Updated += r.Result.OpportunitiesUpd
				s.Skipped += r.Result.OpportunitiesSkip
			}
			if r.TotalTimeMs > 0 {
				totalMs += r.TotalTimeMs
				durCount++
			}
		case model.RunStatusFailed:
			s.Failed++
			if r.Error != nil {
				switch resilience.Category(r.Error.Category) {
				case resilience.CategoryTransient:
					s.Transient++
				case resilience.CategoryPermanent:
					s.Permanent++
				}
				s.FailByStage[r.Error.Stage]++
			}
		default:
			s.Running++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = float64(totalMs) / float64(durCount) / 1000
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tSTATUS\tNEW\tUPD\tSKIP\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t---\t---\t----\t-------\t--------")

	for _, r := range runs {
		dur := ""
		if r.TotalTimeMs > 0 {
			dur = (time.Duration(r.TotalTimeMs) * time.Millisecond).Round(time.Second).String()
		}

		var newN, upd, skip int
		if r.Result != nil {
			newN = r.Result.OpportunitiesNew
			upd = r.Result.OpportunitiesUpd
			skip = r.Result.OpportunitiesSkip
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			truncateID(r.SourceID),
			r.Status,
			newN,
			upd,
			skip,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "  Transient:\t%d\n", s.Transient)
	_, _ = fmt.Fprintf(w, "  Permanent:\t%d\n", s.Permanent)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.Running)
	_, _ = fmt.Fprintf(w, "Opportunities new:\t%d\n", s.New)
	_, _ = fmt.Fprintf(w, "Opportunities updated:\t%d\n", s.Updated)
	_, _ = fmt.Fprintf(w, "Opportunities skipped:\t%d\n", s.Skipped)
	for _, stage := range model.Stages() {
		if n := s.FailByStage[stage]; n > 0 {
			_, _ = fmt.Fprintf(w, "Failures in %s:\t%d\n", stage, n)
		}
	}
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
