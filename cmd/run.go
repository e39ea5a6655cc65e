package main

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bom-matcher/internal/intake"
	"github.com/sells-group/bom-matcher/internal/model"
	"github.com/sells-group/bom-matcher/internal/queue"
)

var (
	runInput       string
	runOutput      string
	runDescription string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Match a single BOM file end to end",
	Long:  "Loads a BOM from CSV or XLSX, runs the full matching pipeline, and writes the ranked matches to a CSV file.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("run"); err != nil {
			return err
		}
		ctx := cmd.Context()

		f, err := os.Open(runInput)
		if err != nil {
			return eris.Wrap(err, "open bom file")
		}
		defer f.Close()

		var result *intake.Result
		if strings.EqualFold(filepath.Ext(runInput), ".xlsx") {
			result, err = intake.ParseXLSX(f)
		} else {
			result, err = intake.ParseCSV(f)
		}
		if err != nil {
			return eris.Wrap(err, "parse bom file")
		}
		if result.TruncationInfo != "" {
			zap.L().Warn("bom truncated", zap.String("info", result.TruncationInfo))
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		project, err := st.CreateProject(ctx, model.Project{Description: runDescription}, result.Items)
		if err != nil {
			return eris.Wrap(err, "create project")
		}

		// Process the project just created, not whatever is oldest in a
		// possibly shared queue.
		orch := queue.NewOrchestrator(st, initMatcher(st), queue.Config{Workers: cfg.Queue.Workers})
		processed, err := orch.ProcessProject(ctx, project)
		if err != nil {
			return eris.Wrap(err, "process project")
		}
		if !processed {
			return eris.New("project was not picked up for processing")
		}

		results, err := st.ItemResults(ctx, project.ID)
		if err != nil {
			return eris.Wrap(err, "load results")
		}

		if err := writeMatchedCSV(runOutput, results); err != nil {
			return err
		}

		zap.L().Info("matching complete",
			zap.String("project_id", project.ID),
			zap.Int("items", len(results)),
			zap.String("output", runOutput),
		)
		return nil
	},
}

// writeMatchedCSV writes one row per persisted candidate, carrying the BOM
// item columns alongside the catalog snapshot.
func writeMatchedCSV(path string, results []model.ItemResult) error {
	out, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "create output file")
	}
	defer out.Close()

	w := csv.NewWriter(out)
	header := []string{
		"Qty", "Description", "Possible MPN", "Package", "Notes/Source", "Match Status",
		"Rank", "Mouser Part Number", "Manufacturer Part Number", "Manufacturer Name",
		"Mouser Description", "Datasheet URL", "Price", "Availability", "Justification",
	}
	if err := w.Write(header); err != nil {
		return eris.Wrap(err, "write csv header")
	}

	for _, result := range results {
		item := []string{
			strconv.Itoa(result.Item.Quantity),
			result.Item.Description,
			result.Item.PossibleMPN,
			result.Item.Package,
			result.Item.Notes,
			string(result.Item.Status),
		}

		if len(result.Candidates) == 0 {
			if err := w.Write(append(item, "", "", "", "", "", "", "", "", "")); err != nil {
				return eris.Wrap(err, "write csv row")
			}
			continue
		}

		entries := make(map[string]model.CatalogEntry, len(result.Entries))
		for _, e := range result.Entries {
			entries[e.MouserPartNumber] = e
		}
		for _, candidate := range result.Candidates {
			entry := entries[candidate.PartNumber]
			row := append(append([]string{}, item...),
				strconv.Itoa(candidate.Rank),
				entry.MouserPartNumber,
				entry.ManufacturerPartNumber,
				entry.Manufacturer,
				entry.Description,
				entry.DatasheetURL,
				entry.Price,
				entry.Availability,
				candidate.Justification,
			)
			if err := w.Write(row); err != nil {
				return eris.Wrap(err, "write csv row")
			}
		}
	}

	w.Flush()
	return eris.Wrap(w.Error(), "flush csv")
}

func init() {
	runCmd.Flags().StringVar(&runInput, "input", "", "path to the BOM file, CSV or XLSX (required)")
	runCmd.Flags().StringVar(&runOutput, "output", "matched_bom.csv", "path for the matched CSV output")
	runCmd.Flags().StringVar(&runDescription, "description", "", "project notes passed to candidate ranking")
	_ = runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)
}
