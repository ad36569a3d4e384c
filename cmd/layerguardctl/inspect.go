package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"layerguard/internal/config"
	"layerguard/internal/dataset"
	"layerguard/internal/stats"
	layerguard "layerguard/pkg/layerguard"
)

func newReportCommand() *cobra.Command {
	var outputDir, method string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the metrics report of a finished run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := layerguard.New(layerguard.Options{})
			if err != nil {
				return err
			}
			report, err := client.Report(cmd.Context(), outputDir, method)
			if err != nil {
				return err
			}
			printReport(cmd, report)
			return nil
		},
	}
	cmd.Flags().StringVar(&outputDir, "output-dir", config.DefaultOutputDir, "checkpoint and report directory")
	cmd.Flags().StringVar(&method, "method-name", "", "run name, e.g. propo_multi_pval_hmp_adv")
	_ = cmd.MarkFlagRequired("method-name")
	return cmd
}

func printReport(cmd *cobra.Command, report stats.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run_id=%s method=%s folds=%d created_at=%s\n", report.RunID, report.Method, report.NumFolds, report.CreatedAtUTC)
	header := []string{"proportion", "auc", "avg_precision"}
	for _, fpr := range report.FPRTargets {
		header = append(header, fmt.Sprintf("tpr@fpr=%g", fpr))
	}
	fmt.Fprintln(out, strings.Join(header, "\t"))
	for _, pm := range report.SortedProportions() {
		row := []string{
			fmt.Sprintf("%.4f", pm.Proportion),
			fmt.Sprintf("%.4f±%.4f", pm.AUC.Mean, pm.AUC.Std),
			fmt.Sprintf("%.4f±%.4f", pm.AveragePrecision.Mean, pm.AveragePrecision.Std),
		}
		for _, tpr := range pm.TPRAtFPR {
			row = append(row, fmt.Sprintf("%.4f±%.4f", tpr.Mean, tpr.Std))
		}
		fmt.Fprintln(out, strings.Join(row, "\t"))
	}
}

func newRunsCommand() *cobra.Command {
	var outputDir string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List finished runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := layerguard.New(layerguard.Options{})
			if err != nil {
				return err
			}
			entries, err := client.Runs(cmd.Context(), outputDir, limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "run_id=%s method=%s folds=%d seed=%d mean_auc=%.4f created_at=%s\n",
					e.RunID, e.Method, e.NumFolds, e.Seed, e.MeanAUC, e.CreatedAtUTC)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outputDir, "output-dir", config.DefaultOutputDir, "checkpoint and report directory")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func newExportCommand() *cobra.Command {
	req := layerguard.ExportRequest{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy the report and scores of a run into its own directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := layerguard.New(layerguard.Options{})
			if err != nil {
				return err
			}
			dir, err := client.Export(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported=%s\n", dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.OutputDir, "output-dir", config.DefaultOutputDir, "checkpoint and report directory")
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "run to export")
	cmd.Flags().BoolVar(&req.Latest, "latest", false, "export the newest run")
	cmd.Flags().StringVar(&req.OutDir, "out", "exports", "export directory")
	return cmd
}

func newCheckpointCommand(g *globalFlags) *cobra.Command {
	var outputDir, method, storeKind, storePath string
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or clear the progress of a run",
	}
	cmd.PersistentFlags().StringVar(&outputDir, "output-dir", config.DefaultOutputDir, "checkpoint and report directory")
	cmd.PersistentFlags().StringVar(&method, "method-name", "", "run name, e.g. lid_k20")
	_ = cmd.MarkPersistentFlagRequired("method-name")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the completed folds of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := layerguard.New(layerguard.Options{})
			if err != nil {
				return err
			}
			rec, ok, err := client.Checkpoint(cmd.Context(), outputDir, method)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !ok {
				fmt.Fprintf(out, "no checkpoint for %s\n", method)
				return nil
			}
			fmt.Fprintf(out, "method=%s completed=%d/%d done=%t\n", rec.Method, rec.NextFoldIndex, rec.NumFolds, rec.Done())
			for i, scores := range rec.ScoresPerFold {
				positives := 0
				for _, label := range rec.LabelsPerFold[i] {
					positives += label
				}
				line := fmt.Sprintf("fold=%d samples=%d adversarial=%d", i+1, len(scores), positives)
				if i < len(rec.FittedDetectors) && rec.FittedDetectors[i] != "" {
					line += " detector=" + rec.FittedDetectors[i]
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the checkpoint and stored detectors of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := g.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			client, err := layerguard.New(layerguard.Options{StoreKind: storeKind, StorePath: storePath, Logger: logger})
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()
			if err := client.ClearCheckpoint(cmd.Context(), outputDir, method); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", method)
			return nil
		},
	}
	clearCmd.Flags().StringVar(&storeKind, "store", "memory", "detector store: memory|sqlite|badger")
	clearCmd.Flags().StringVar(&storePath, "store-path", "", "sqlite file or badger directory")

	cmd.AddCommand(showCmd, clearCmd)
	return cmd
}

func newSynthCommand() *cobra.Command {
	opts := dataset.DefaultSynthOptions()
	var dir string
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Write a synthetic benchmark and its reference classifier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			summary, err := layerguard.Synthesize(dir, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "data_dir=%s model_path=%s folds=%d\n", summary.DataDir, summary.ModelPath, summary.NumFolds)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&dir, "dir", "synthetic", "output directory")
	f.IntVar(&opts.NumFolds, "folds", opts.NumFolds, "folds to generate")
	f.IntVar(&opts.NumClasses, "classes", opts.NumClasses, "classes")
	f.IntVar(&opts.Dim, "dim", opts.Dim, "input dimension")
	f.IntVar(&opts.TrainPerClass, "train-per-class", opts.TrainPerClass, "training samples per class and fold")
	f.IntVar(&opts.TestPerClass, "test-per-class", opts.TestPerClass, "test samples per class and fold")
	f.Float64Var(&opts.Spread, "spread", opts.Spread, "cluster standard deviation")
	f.Float64Var(&opts.AttackStrength, "attack-strength", opts.AttackStrength, "share of the way adversarial samples move toward the next class")
	f.Int64Var(&opts.Seed, "seed", opts.Seed, "random seed")
	return cmd
}
