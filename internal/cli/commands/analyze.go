package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldops/layoutd/internal/analyzer"
	"github.com/fieldops/layoutd/internal/cli/ui"
	"github.com/fieldops/layoutd/internal/engine"
)

// NewAnalyzeCommand creates the analyze command
func NewAnalyzeCommand() *cobra.Command {
	var (
		asJSON  bool
		noColor bool
	)

	cmd := &cobra.Command{
		Use:   "analyze <entity-type>",
		Short: "Print the field analysis of an entity",
		Long: `Run the field analyzer over an entity's metadata, record sample and
recorded usage, and print each field's importance, fill rate and flags
in display order, followed by the suggested field groups.`,
		Example: `  layoutd analyze WorkOrder
  layoutd analyze WorkOrder --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			a, err := buildApp(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.close()
			defer a.pool.Stop(context.Background())

			result, err := a.rec.Analyze(ctx, args[0])
			if engine.Is(err, engine.ErrNotFound) {
				return report(cmd, ui.EntityNotFoundError(args[0], noColor), err)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"entityType":      result.EntityType,
					"sampleSize":      result.SampleSize,
					"fields":          result.Ranked,
					"suggestedGroups": result.Groups(),
				})
			}
			renderAnalysis(out, result, noColor)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the analysis as JSON")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	return cmd
}

func renderAnalysis(w io.Writer, result *analyzer.Result, noColor bool) {
	ui.Heading(w, fmt.Sprintf("%s (%d sampled records)", result.EntityType, result.SampleSize), noColor)
	fmt.Fprintln(w)

	table := ui.NewTable(w, []ui.Column{
		{Title: "#", Align: ui.AlignRight},
		{Title: "FIELD"},
		{Title: "IMPORTANCE", Align: ui.AlignRight, Style: ui.ScoreStyle(0.7, 0.3)},
		{Title: "FILL", Align: ui.AlignRight, Style: ui.ScoreStyle(0.9, 0.2)},
		{Title: "GROUP"},
		{Title: "FLAGS", Style: ui.FlagStyle("critical")},
	}, noColor)
	for _, fa := range result.Ranked {
		table.AddRow(
			strconv.Itoa(fa.DisplayPriority),
			fa.FieldName,
			ui.Score(fa.Importance),
			ui.Percent(fa.FillRate),
			fa.GroupSuggestion,
			ui.Flags(
				ui.Flag{Name: "identifier", Set: fa.IsIdentifier},
				ui.Flag{Name: "critical", Set: fa.IsCritical},
				ui.Flag{Name: "viewed", Set: fa.IsFrequentlyViewed},
				ui.Flag{Name: "updated", Set: fa.IsFrequentlyUpdated},
			),
		)
	}
	table.Render()

	groups := result.Groups()
	if len(groups) == 0 {
		return
	}
	lines := make([]string, len(groups))
	for i, g := range groups {
		lines[i] = fmt.Sprintf("%s: %s", g.Label, strings.Join(g.Fields, ", "))
	}
	fmt.Fprintln(w)
	ui.List(w, "Suggested groups", lines, noColor)
}
