package layerguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"layerguard/internal/checkpoint"
	"layerguard/internal/config"
	"layerguard/internal/dataset"
	"layerguard/internal/dimred"
	"layerguard/internal/embed"
	"layerguard/internal/harness"
	"layerguard/internal/model"
	"layerguard/internal/nn"
	"layerguard/internal/stats"
	"layerguard/internal/storage"
	"layerguard/internal/telemetry"
)

// NetworkFileName is the reference classifier written next to synthetic folds.
const NetworkFileName = "network.json"

type Options struct {
	StoreKind string
	StorePath string
	Logger    *slog.Logger
	// Registerer receives the run metrics; nil leaves them unregistered.
	Registerer prometheus.Registerer
}

type Client struct {
	store   storage.Store
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

type RunRequest struct {
	Config config.Config
	// Model, Source and Projections override the paths in Config.
	Model       embed.Model
	Source      harness.FoldSource
	Projections *dimred.Set
}

type RunSummary struct {
	RunID      string
	Method     string
	ReportPath string
	NumFolds   int
	Resumed    int
	// MeanAUC is the fold-mean AUC at the largest swept attack proportion.
	MeanAUC float64
	Report  stats.Report
}

type ExportRequest struct {
	OutputDir string
	RunID     string
	Latest    bool
	OutDir    string
}

type SynthSummary struct {
	DataDir   string
	ModelPath string
	NumFolds  int
}

func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store, err := storage.NewStore(opts.StoreKind, opts.StorePath, logger)
	if err != nil {
		return nil, err
	}
	return &Client{
		store:   store,
		logger:  logger,
		metrics: telemetry.New(opts.Registerer),
	}, nil
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// Run executes, or resumes, the cross-validation run described by req.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	cfg := req.Config
	if err := cfg.Validate(); err != nil {
		return RunSummary{}, err
	}

	m := req.Model
	if m == nil {
		if cfg.ModelPath == "" {
			return RunSummary{}, model.Configf("model_path is required")
		}
		net, err := nn.LoadNetwork(cfg.ModelPath)
		if err != nil {
			return RunSummary{}, err
		}
		m = net
	}
	src := req.Source
	if src == nil {
		if cfg.DataDir == "" {
			return RunSummary{}, model.Configf("data_dir is required")
		}
		src = dataset.DirSource{Dir: cfg.DataDir}
	}
	projections := req.Projections
	if projections == nil && cfg.ProjectionPath != "" {
		set, err := dimred.Load(cfg.ProjectionPath)
		if err != nil {
			return RunSummary{}, err
		}
		projections = set
	}

	opts := harness.Options{
		Model:       m,
		Projections: projections,
		Metrics:     c.metrics,
		Logger:      c.logger,
	}
	if cfg.SaveDetectors {
		if err := c.store.Init(ctx); err != nil {
			return RunSummary{}, err
		}
		opts.Store = c.store
	}
	h, err := harness.New(cfg, opts)
	if err != nil {
		return RunSummary{}, err
	}
	res, err := h.Run(ctx, src)
	if err != nil {
		return RunSummary{}, err
	}

	summary := RunSummary{
		RunID:      res.RunID,
		Method:     res.Method,
		ReportPath: res.ReportPath,
		NumFolds:   res.Checkpoint.NumFolds,
		Resumed:    res.Resumed,
		Report:     res.Report,
	}
	if sorted := res.Report.SortedProportions(); len(sorted) > 0 {
		summary.MeanAUC = sorted[len(sorted)-1].AUC.Mean
	}
	return summary, nil
}

// Report reads the metrics report of method from dir.
func (c *Client) Report(_ context.Context, dir, method string) (stats.Report, error) {
	report, ok, err := stats.ReadReport(dir, method)
	if err != nil {
		return stats.Report{}, err
	}
	if !ok {
		return stats.Report{}, fmt.Errorf("no report for method %s in %s", method, dir)
	}
	return report, nil
}

// Runs lists the index entries of dir, newest first.
func (c *Client) Runs(_ context.Context, dir string, limit int) ([]stats.RunIndexEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	entries, err := stats.ListRunIndex(dir)
	if err != nil {
		return nil, err
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (string, error) {
	if req.RunID != "" && req.Latest {
		return "", errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return "", errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = "exports"
	}
	entries, err := stats.ListRunIndex(req.OutputDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available to export")
	}
	entry := entries[0]
	if !req.Latest {
		found := false
		for _, e := range entries {
			if e.RunID == req.RunID {
				entry, found = e, true
				break
			}
		}
		if !found {
			return "", fmt.Errorf("run %s not found", req.RunID)
		}
	}
	return stats.ExportRun(req.OutputDir, entry.Method, entry.RunID, req.OutDir)
}

// Checkpoint reads the progress record of method from dir.
func (c *Client) Checkpoint(_ context.Context, dir, method string) (checkpoint.Record, bool, error) {
	return checkpoint.Load(dir, method)
}

// ClearCheckpoint removes the progress record and any stored detectors of
// method so the next run starts from the first fold.
func (c *Client) ClearCheckpoint(ctx context.Context, dir, method string) error {
	if err := checkpoint.Remove(dir, method); err != nil {
		return err
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	return c.store.DeleteDetectors(ctx, method)
}

// Detectors lists the stored detectors of a run, ordered by fold.
func (c *Client) Detectors(ctx context.Context, method string) ([]model.DetectorBlob, error) {
	if err := c.store.Init(ctx); err != nil {
		return nil, err
	}
	return c.store.ListDetectors(ctx, method)
}

// Synthesize writes a generated benchmark to dir: one fold_<n> directory per
// fold and the matching reference classifier.
func Synthesize(dir string, opts dataset.SynthOptions) (SynthSummary, error) {
	synth, err := dataset.Synthesize(opts)
	if err != nil {
		return SynthSummary{}, err
	}
	net, err := dataset.ReferenceNetwork(synth.Centers)
	if err != nil {
		return SynthSummary{}, err
	}
	if err := dataset.WriteDir(dir, synth.Folds); err != nil {
		return SynthSummary{}, err
	}
	data, err := nn.EncodeNetwork(*net)
	if err != nil {
		return SynthSummary{}, err
	}
	modelPath := filepath.Join(dir, NetworkFileName)
	if err := os.WriteFile(modelPath, data, 0o644); err != nil {
		return SynthSummary{}, err
	}
	return SynthSummary{DataDir: dir, ModelPath: modelPath, NumFolds: len(synth.Folds)}, nil
}
