package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"layerguard/internal/config"
	layerguard "layerguard/pkg/layerguard"
)

func newDetectCommand(g *globalFlags) *cobra.Command {
	cfg := config.Default()
	var configPath, metricsAddr string
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Cross-validate one detection method, resuming from its checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resolved, err := resolveConfig(cmd.Flags(), configPath, cfg)
			if err != nil {
				return err
			}
			logger, err := g.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())
			if metricsAddr != "" {
				srv := serveMetrics(metricsAddr, reg, logger)
				defer func() {
					_ = srv.Close()
				}()
			}

			client, err := layerguard.New(layerguard.Options{
				StoreKind:  resolved.StoreKind,
				StorePath:  resolved.StorePath,
				Logger:     logger,
				Registerer: reg,
			})
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			summary, err := client.Run(cmd.Context(), layerguard.RunRequest{Config: resolved})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run_id=%s method=%s folds=%d resumed=%d mean_auc=%.4f report=%s\n",
				summary.RunID, summary.Method, summary.NumFolds, summary.Resumed, summary.MeanAUC, summary.ReportPath)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML run configuration; explicit flags override it")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")
	bindConfigFlags(f, &cfg)
	return cmd
}

// bindConfigFlags exposes every configuration field as a flag whose default is
// the current value in c.
func bindConfigFlags(f *pflag.FlagSet, c *config.Config) {
	f.StringVar(&c.Method, "method", c.Method, "detection method: "+methodList())
	f.StringVar(&c.TestStatistic, "test-statistic", c.TestStatistic, "null statistic of the proposed method: multinomial|gaussian")
	f.StringVar(&c.Fusion, "fusion", c.Fusion, "layer p-value fusion: harmonic_mean|fisher")
	f.IntVar(&c.TopK, "top-k", c.TopK, "fuse only the k smallest layer p-values")
	f.IntVar(&c.LastK, "last-k", c.LastK, "use only the last k layers")
	f.IntVar(&c.NumNeighbors, "num-neighbors", c.NumNeighbors, "nearest neighbours; <= 0 picks ceil(n^0.4)")
	f.IntVar(&c.NumFolds, "num-folds", c.NumFolds, "cross-validation folds")
	f.Float64Var(&c.MaxAttackProp, "max-attack-prop", c.MaxAttackProp, "largest attack proportion of the metrics sweep")
	f.IntVar(&c.NumProportions, "num-proportions", c.NumProportions, "attack proportions in the metrics sweep")
	f.IntVar(&c.SweepTrials, "sweep-trials", c.SweepTrials, "random subsamples per swept proportion")
	f.IntVar(&c.Workers, "workers", c.Workers, "parallel workers")
	f.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "model batch size")
	f.Int64Var(&c.Seed, "seed", c.Seed, "random seed")
	f.BoolVar(&c.CombineClasses, "combine-classes", c.CombineClasses, "pool rare classes of the proposed method")
	f.Float64Var(&c.CalibrationFraction, "calibration-fraction", c.CalibrationFraction, "share of clean training data used for calibration")
	f.IntVar(&c.TrustLayer, "trust-layer", c.TrustLayer, "trust score layer; negative counts from the end")
	f.Float64Var(&c.TrustAlpha, "trust-alpha", c.TrustAlpha, "share of low-density points dropped by the trust score")
	f.IntVar(&c.LIDBatches, "lid-batches", c.LIDBatches, "score LID in this many minibatches; 0 disables")
	f.Float64Var(&c.NoiseStd, "noise-std", c.NoiseStd, "noise scale of the odds-are-odd test")
	f.IntVar(&c.NoiseSamples, "noise-samples", c.NoiseSamples, "noisy copies per input of the odds-are-odd test")
	f.IntSliceVar(&c.Layers, "layers", c.Layers, "tap indices to extract; empty extracts every layer")
	f.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory with fold_<n> subdirectories")
	f.StringVar(&c.ModelPath, "model-path", c.ModelPath, "classifier network JSON")
	f.StringVar(&c.ProjectionPath, "projection-path", c.ProjectionPath, "per-layer dimension reduction JSON")
	f.StringVar(&c.OutputDir, "output-dir", c.OutputDir, "checkpoint and report directory")
	f.BoolVar(&c.Restart, "restart", c.Restart, "discard an existing checkpoint")
	f.BoolVar(&c.SaveDetectors, "save-detectors", c.SaveDetectors, "store the fitted detector of every fold")
	f.StringVar(&c.StoreKind, "store", c.StoreKind, "detector store: memory|sqlite|badger")
	f.StringVar(&c.StorePath, "store-path", c.StorePath, "sqlite file or badger directory")
}

// resolveConfig loads path, when given, and applies the flags the user set on
// top of it. Without a file the flag-bound configuration is used as is.
func resolveConfig(flags *pflag.FlagSet, path string, fromFlags config.Config) (config.Config, error) {
	if path == "" {
		return fromFlags, fromFlags.Validate()
	}
	loaded, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	overrides := pflag.NewFlagSet("overrides", pflag.ContinueOnError)
	bindConfigFlags(overrides, &loaded)

	var setErr error
	flags.Visit(func(f *pflag.Flag) {
		target := overrides.Lookup(f.Name)
		if target == nil || setErr != nil {
			return
		}
		if src, ok := f.Value.(pflag.SliceValue); ok {
			setErr = target.Value.(pflag.SliceValue).Replace(src.GetSlice())
			return
		}
		setErr = target.Value.Set(f.Value.String())
	})
	if setErr != nil {
		return config.Config{}, setErr
	}
	return loaded, loaded.Validate()
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}
