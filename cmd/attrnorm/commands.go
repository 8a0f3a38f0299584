package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/attrnorm/artifact"
	"github.com/martinemde/attrnorm/attrs"
	"github.com/martinemde/attrnorm/consolidate"
	"github.com/martinemde/attrnorm/normalize"
	"github.com/martinemde/attrnorm/report"
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate [api-key]",
	Short: "Group raw attribute keys into unified names",
	Long: `Reads the raw attribute mapping, consolidates its keys in chunks and writes
the consolidated mapping. Chunks that fail every attempt are skipped and listed
in the report; the command still writes what succeeded.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConsolidate,
}

var normalizeCmd = &cobra.Command{
	Use:   "normalize [api-key]",
	Short: "Rewrite item attribute groups to the unified names",
	Long: `Reads the items and the consolidated mapping, normalizes each item and writes
the items that succeeded. Failed items are dropped and listed in the report.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runNormalize,
}

var scanCmd = &cobra.Command{
	Use:   "scan <file>",
	Short: "Report the first JSON syntax error in a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	files := cfg.Paths.Resolve(testMode)
	log := logger.Named("consolidate")

	mapping, err := artifact.OS.ReadMapping(files.Mapping)
	if err != nil {
		return err
	}
	log.Info("attribute mapping loaded", zap.String("path", files.Mapping), zap.Int("attributes", mapping.Len()))

	rt, err := newRuntime(cfg, args, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warn("closing runtime", zap.Error(err))
		}
	}()

	opts := cfg.ConsolidateOptions()
	opts.Logger = logger
	res, err := consolidate.New(rt.session, opts).Consolidate(cmd.Context(), mapping)
	if err != nil {
		return err
	}

	if err := artifact.OS.WriteJSON(files.Consolidated, res.Mapping); err != nil {
		return err
	}
	log.Info("consolidated mapping written", zap.String("path", files.Consolidated))

	out := cmd.OutOrStdout()
	printReport(out, res.Report)
	printStats(out, res.Stats)
	printMerges(out, res.Mapping)
	return nil
}

func runNormalize(cmd *cobra.Command, args []string) error {
	files := cfg.Paths.Resolve(testMode)
	log := logger.Named("normalize")

	items, err := artifact.OS.ReadItems(files.Items)
	if err != nil {
		return err
	}
	mapping, err := artifact.OS.ReadConsolidated(files.Consolidated)
	if err != nil {
		return err
	}
	log.Info("inputs loaded", zap.Int("items", len(items)), zap.Int("unified_attributes", mapping.Len()))

	rt, err := newRuntime(cfg, args, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warn("closing runtime", zap.Error(err))
		}
	}()

	opts := cfg.NormalizeOptions()
	opts.Logger = logger
	res, err := normalize.New(rt.session, opts).NormalizeAll(cmd.Context(), items, mapping)
	if err != nil {
		return err
	}

	if err := artifact.OS.WriteJSON(files.Normalized, res.Items); err != nil {
		return err
	}
	log.Info("normalized items written", zap.String("path", files.Normalized), zap.Int("items", len(res.Items)))

	out := cmd.OutOrStdout()
	printReport(out, res.Report)
	if res.Deviations > 0 {
		fmt.Fprintf(out, "Groups corrected to the exact mapping: %d\n", res.Deviations)
	}
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	serr, err := artifact.OS.Check(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if serr == nil {
		fmt.Fprintf(out, "%s: valid JSON\n", args[0])
		return nil
	}
	fmt.Fprintf(out, "%s: %s\n", args[0], serr.Error())
	text, caret := contextLine(serr.Context, serr.Caret)
	fmt.Fprintln(out, text)
	fmt.Fprintln(out, strings.Repeat(" ", caret)+"^")
	return nil
}

// contextLine narrows multi-line context to the line holding the caret.
func contextLine(ctx string, caret int) (string, int) {
	caret = min(max(caret, 0), len(ctx))
	start := strings.LastIndexByte(ctx[:caret], '\n') + 1
	end := len(ctx)
	if i := strings.IndexByte(ctx[caret:], '\n'); i >= 0 {
		end = caret + i
	}
	return ctx[start:end], caret - start
}

func printReport(w io.Writer, r report.Report) {
	fmt.Fprintf(w, "Run %s: %d/%d %ss succeeded, %d failed, %d retries (%s)\n",
		r.RunID, r.Succeeded, r.Total, r.Unit, r.Failed, r.Retries, r.Elapsed.Round(time.Millisecond))
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  failed %s %s after %d attempt(s): %s\n", r.Unit, f.Label, f.Attempts, f.Error)
	}
}

func printStats(w io.Writer, s consolidate.Stats) {
	fmt.Fprintln(w, "Consolidation statistics:")
	fmt.Fprintf(w, "  original attributes:     %d\n", s.Original)
	fmt.Fprintf(w, "  consolidated attributes: %d\n", s.Consolidated)
	fmt.Fprintf(w, "  merged attributes:       %d\n", s.Merged)
	fmt.Fprintf(w, "  reduction:               %.2f%%\n", s.Reduction)
}

func printMerges(w io.Writer, m *attrs.ConsolidatedMapping) {
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Merged() {
			fmt.Fprintf(w, "  merged %q: %s\n", pair.Key, strings.Join(pair.Value.Aliases, ", "))
		}
	}
}
