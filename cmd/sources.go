package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/grantflow/harvest-cli/internal/model"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage source connection profiles",
	Long:  "Commands for listing registered sources and loading profile definitions from a YAML file.",
}

// -- sources list --

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sources",
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

		all, _ := cmd.Flags().GetBool("all")

		sources, err := st.ListSources(ctx, !all)
		if err != nil {
			return eris.Wrap(err, "sources list")
		}

		if len(sources) == 0 {
			fmt.Fprintln(os.Stderr, "No sources registered.")
			return nil
		}

		formatSourcesList(os.Stdout, sources)
		return nil
	},
}

// -- sources load --

var sourcesLoadCmd = &cobra.Command{
	Use:   "load [file]",
	Short: "Load source profiles from a YAML file",
	Long:  "Upserts source connection profiles by slug. Existing sources keep their ID and harvest history.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		path := cfg.Sources.Path
		if len(args) == 1 {
			path = args[0]
		}

		sources, err := loadSourcesFile(path)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		n, err := st.UpsertSources(ctx, sources)
		if err != nil {
			return eris.Wrap(err, "sources load")
		}

		zap.L().Info("sources loaded", zap.String("file", path), zap.Int64("upserted", n))
		return nil
	},
}

func init() {
	sourcesListCmd.Flags().Bool("all", false, "include inactive sources")

	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesLoadCmd)
	rootCmd.AddCommand(sourcesCmd)
}

// sourcesFile is the on-disk shape of a source profile definition file.
type sourcesFile struct {
	Sources []model.Source `yaml:"sources"`
}

// loadSourcesFile reads and validates source profiles from a YAML file.
func loadSourcesFile(path string) ([]model.Source, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read sources file %s", path)
	}

	var file sourcesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, eris.Wrapf(err, "parse sources file %s", path)
	}
	if len(file.Sources) == 0 {
		return nil, eris.Errorf("no sources defined in %s", path)
	}

	seen := make(map[string]bool, len(file.Sources))
	for i := range file.Sources {
		src := &file.Sources[i]
		if src.Slug == "" {
			return nil, eris.Errorf("source %d has no slug", i)
		}
		if seen[src.Slug] {
			return nil, eris.Errorf("duplicate source slug: %s", src.Slug)
		}
		seen[src.Slug] = true
		if src.APIEndpoint == "" {
			return nil, eris.Errorf("source %s has no api_endpoint", src.Slug)
		}
		if src.Name == "" {
			src.Name = src.Slug
		}
		if src.Workflow == "" {
			src.Workflow = model.WorkflowSingleAPI
		}
	}

	return file.Sources, nil
}

// formatSourcesList writes a tabular list of sources to w.
func formatSourcesList(out io.Writer, sources []model.Source) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SLUG\tNAME\tWORKFLOW\tCADENCE\tACTIVE\tLAST HARVEST")
	_, _ = fmt.Fprintln(w, "----\t----\t--------\t-------\t------\t------------")

	for _, s := range sources {
		last := "never"
		if s.LastHarvestedAt != nil {
			last = s.LastHarvestedAt.Format("2006-01-02 15:04")
		}
		name := s.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			s.Slug,
			name,
			s.Workflow,
			s.Cadence,
			s.Active,
			last,
		)
	}
	_ = w.Flush()
}
