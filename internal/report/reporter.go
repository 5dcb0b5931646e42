// Package report writes the outcome of a CTR run to the output directory.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"criteo-ctr/internal/frame"
	"criteo-ctr/internal/runner"
)

const (
	ResultFile  = "result.json"
	SummaryFile = "summary.txt"
)

// GlueKey is the name the scalar result is published under.
const GlueKey = "auc"

// Reporter generates run reports
type Reporter struct {
	result     *runner.Result
	outputPath string
}

// NewReporter creates a new reporter
func NewReporter(result *runner.Result, outputPath string) *Reporter {
	return &Reporter{
		result:     result,
		outputPath: outputPath,
	}
}

// GenerateReport writes result.json and summary.txt.
func (r *Reporter) GenerateReport() error {
	if err := os.MkdirAll(r.outputPath, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := r.generateJSONReport(); err != nil {
		return err
	}
	return r.generateSummary()
}

// generateJSONReport publishes the scalar metric next to the full run details
func (r *Reporter) generateJSONReport() error {
	jsonPath := filepath.Join(r.outputPath, ResultFile)

	report := map[string]interface{}{
		GlueKey:        r.result.MetricValue,
		"metric":       r.result.MetricName,
		"run":          r.result,
		"generated_at": time.Now().UTC(),
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write JSON report: %w", err)
	}

	log.Info().Str("file", jsonPath).Msg("JSON report generated")
	return nil
}

func (r *Reporter) generateSummary() error {
	summaryPath := filepath.Join(r.outputPath, SummaryFile)
	file, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	r.writeSummary(file)
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	log.Info().Str("file", summaryPath).Msg("Summary report generated")
	return nil
}

func (r *Reporter) writeSummary(w io.Writer) {
	res := r.result
	fmt.Fprintf(w, "CTR RUN SUMMARY\n")
	fmt.Fprintf(w, "===============\n\n")

	fmt.Fprintf(w, "Model: %s\n", res.ModelName)
	fmt.Fprintf(w, "Started: %s\n", res.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Finished: %s\n", res.FinishedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Duration: %s\n\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))

	fmt.Fprintf(w, "EVALUATION\n")
	fmt.Fprintf(w, "----------\n")
	fmt.Fprintf(w, "%s: %.6f\n", res.MetricName, res.MetricValue)
	if res.PreviousMetricValue != nil {
		prev := *res.PreviousMetricValue
		fmt.Fprintf(w, "Previous Run: %.6f (change %+.6f)\n", prev, res.MetricValue-prev)
	}
	fmt.Fprintf(w, "Log Loss: %.6f\n", res.LogLoss)
	fmt.Fprintf(w, "Baseline Log Loss: %.6f\n\n", res.BaselineLogLoss)

	fmt.Fprintf(w, "DATA\n")
	fmt.Fprintf(w, "----\n")
	fmt.Fprintf(w, "Size: %s\n", res.Params.DataSize)
	fmt.Fprintf(w, "Total Rows: %d\n", res.TotalRows)
	fmt.Fprintf(w, "Train Rows: %d\n", res.TrainRows)
	fmt.Fprintf(w, "Test Rows: %d\n\n", res.TestRows)

	fmt.Fprintf(w, "MODEL\n")
	fmt.Fprintf(w, "-----\n")
	fmt.Fprintf(w, "Trees: %d\n", res.NumTrees)
	fmt.Fprintf(w, "Leaves: %d, Iterations: %d, Learning Rate: %g\n",
		res.Params.NumLeaves, res.Params.NumIterations, res.Params.LearningRate)
	fmt.Fprintf(w, "Feature Fraction: %g, Unbalanced: %t, Hash Bits: %d\n",
		res.Params.FeatureFraction, res.Params.IsUnbalance, res.Params.NumBits)
	fmt.Fprintf(w, "Pipeline: %s (version %s)\n", res.PipelinePath, res.Version)
	if res.VersionPath != "" {
		fmt.Fprintf(w, "Version Copy: %s\n", res.VersionPath)
	}

	if len(res.TopFeatures) > 0 {
		fmt.Fprintf(w, "\nTOP FEATURES BY GAIN\n")
		fmt.Fprintf(w, "--------------------\n")
		for _, fs := range res.TopFeatures {
			fmt.Fprintf(w, "slot %d: %.4f\n", fs.Index, fs.Score)
		}
	}

	if len(res.Stages) > 0 {
		fmt.Fprintf(w, "\nSTAGES\n")
		fmt.Fprintf(w, "------\n")
		for _, st := range res.Stages {
			fmt.Fprintf(w, "%-9s %s\n", st.Name, st.Duration.Round(time.Millisecond))
		}
	}
}

// PrintSummary prints a summary to console
func (r *Reporter) PrintSummary(w io.Writer) {
	fmt.Fprintln(w, "\n=== CTR RESULTS ===")
	fmt.Fprintf(w, "%s: %.6f\n", r.result.MetricName, r.result.MetricValue)
	fmt.Fprintf(w, "Log Loss: %.6f (baseline %.6f)\n", r.result.LogLoss, r.result.BaselineLogLoss)
	fmt.Fprintf(w, "Rows: %d train / %d test\n", r.result.TrainRows, r.result.TestRows)
	fmt.Fprintf(w, "Pipeline: %s\n", r.result.PipelinePath)
	fmt.Fprintln(w, "===================")
}

// WritePredictions writes the requested columns of f as a TSV with a header
// line, in partition order.
func WritePredictions(w io.Writer, f *frame.Frame, cols []string) error {
	idx := make([]int, len(cols))
	for i, c := range cols {
		_, j, err := f.Schema().Lookup(c)
		if err != nil {
			return err
		}
		idx[i] = j
	}

	writer := csv.NewWriter(w)
	writer.Comma = '\t'
	if err := writer.Write(cols); err != nil {
		return err
	}
	record := make([]string, len(cols))
	for p := 0; p < f.NumPartitions(); p++ {
		for _, row := range f.Partition(p) {
			for i, j := range idx {
				record[i] = row[j].Format()
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}
	writer.Flush()
	return writer.Error()
}
