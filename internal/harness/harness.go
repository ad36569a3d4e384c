// Package harness runs one detection method through k-fold cross-validation.
// Every completed fold is checkpointed before the next one starts, so an
// interrupted run resumes at the first unfinished fold.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"layerguard/internal/checkpoint"
	"layerguard/internal/config"
	"layerguard/internal/detector"
	"layerguard/internal/dimred"
	"layerguard/internal/embed"
	"layerguard/internal/model"
	"layerguard/internal/stats"
	"layerguard/internal/storage"
	"layerguard/internal/telemetry"
)

// FoldSource hands over the raw data of fold i.
type FoldSource interface {
	Load(ctx context.Context, i int) (model.Fold, error)
}

type Options struct {
	Model       embed.Model
	Projections *dimred.Set
	// Store receives the fitted detector of every fold when the configuration
	// asks for it. It must be initialized.
	Store   storage.Store
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
	// NewRunID defaults to random UUIDs.
	NewRunID func() string
}

type Harness struct {
	cfg       config.Config
	method    detector.Method
	name      string
	detOpts   detector.Options
	deps      detector.Deps
	extractor embed.Extractor
	opts      Options
	logger    *slog.Logger
}

// Result summarizes a finished run.
type Result struct {
	RunID      string
	Method     string
	Resumed    int
	Checkpoint checkpoint.Record
	Report     stats.Report
	ReportPath string
}

// New validates cfg before any data is touched.
func New(cfg config.Config, opts Options) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	method, err := detector.ParseMethod(cfg.Method)
	if err != nil {
		return nil, err
	}
	if opts.Model == nil {
		return nil, model.Configf("a model is required")
	}
	if cfg.SaveDetectors && opts.Store == nil {
		return nil, model.Configf("save_detectors needs a store")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}
	name := cfg.MethodName()
	logger := opts.Logger.With("method", name)
	detOpts, err := cfg.DetectorOptions(logger)
	if err != nil {
		return nil, err
	}
	return &Harness{
		cfg:       cfg,
		method:    method,
		name:      name,
		detOpts:   detOpts,
		deps:      detector.Deps{Model: opts.Model, Projections: opts.Projections},
		extractor: embed.Extractor{Layers: cfg.Layers, BatchSize: cfg.BatchSize, Workers: cfg.Workers},
		opts:      opts,
		logger:    logger,
	}, nil
}

// MethodName is the name of the run's checkpoint and report files.
func (h *Harness) MethodName() string {
	return h.name
}

func (h *Harness) Run(ctx context.Context, src FoldSource) (Result, error) {
	rec, err := h.resume(ctx)
	if err != nil {
		return Result{}, err
	}
	resumed := rec.NextFoldIndex
	if resumed > 0 {
		h.logger.Info("resuming from checkpoint", "completed_folds", resumed, "num_folds", rec.NumFolds)
		h.opts.Metrics.FoldsResumed(h.name, resumed)
	}

	for i := rec.NextFoldIndex; i < rec.NumFolds; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		start := h.opts.Now()
		h.logger.Info("fold started", "fold", i+1, "num_folds", rec.NumFolds)
		next, st, err := h.completeFold(ctx, src, rec, i)
		if err != nil {
			h.logger.Error("fold failed", "fold", i+1, "stage", st, "error", err)
			h.opts.Metrics.FoldFailed(h.name, string(st))
			return Result{}, &model.FoldError{Fold: i, Method: h.name, Err: err}
		}
		rec = next
		elapsed := h.opts.Now().Sub(start)
		h.opts.Metrics.FoldCompleted(h.name, elapsed)
		h.logger.Info("fold completed", "fold", i+1, "elapsed", elapsed)
	}
	return h.report(rec, resumed)
}

// resume returns the checkpoint to continue from, or a fresh record.
func (h *Harness) resume(ctx context.Context) (checkpoint.Record, error) {
	dir := h.cfg.OutputDir
	if h.cfg.Restart {
		if err := checkpoint.Remove(dir, h.name); err != nil {
			return checkpoint.Record{}, fmt.Errorf("remove checkpoint: %w", err)
		}
	}
	rec, ok, err := checkpoint.Load(dir, h.name)
	if err != nil {
		return checkpoint.Record{}, err
	}
	if !ok {
		if h.cfg.SaveDetectors {
			// blobs of an abandoned run would not match the new folds
			if err := h.opts.Store.DeleteDetectors(ctx, h.name); err != nil {
				return checkpoint.Record{}, fmt.Errorf("clear stored detectors: %w", err)
			}
		}
		fresh := checkpoint.New(h.name, h.cfg.NumFolds)
		fresh.ConfigFingerprint = h.cfg.Fingerprint()
		return fresh, nil
	}
	if rec.NumFolds != h.cfg.NumFolds {
		return checkpoint.Record{}, fmt.Errorf("%w: checkpoint covers %d folds, run is configured for %d",
			model.ErrCheckpointCorruption, rec.NumFolds, h.cfg.NumFolds)
	}
	if want := h.cfg.Fingerprint(); rec.ConfigFingerprint != want {
		return checkpoint.Record{}, fmt.Errorf("%w: checkpoint was written with configuration %s, run uses %s; rerun with restart",
			model.ErrCheckpointCorruption, rec.ConfigFingerprint, want)
	}
	return rec, nil
}

type stage string

const (
	stageLoad       stage = "load"
	stageExtract    stage = "extract"
	stageFit        stage = "fit"
	stageScore      stage = "score"
	stageStore      stage = "store"
	stageCheckpoint stage = "checkpoint"
)

func (h *Harness) completeFold(ctx context.Context, src FoldSource, rec checkpoint.Record, i int) (checkpoint.Record, stage, error) {
	fold, err := src.Load(ctx, i)
	if err != nil {
		return rec, stageLoad, err
	}
	if err := fold.Validate(); err != nil {
		return rec, stageLoad, err
	}
	if fold.CleanTest.Len() == 0 {
		return rec, stageLoad, fmt.Errorf("%w: clean test split is empty", model.ErrShapeMismatch)
	}
	if fold.AdvTest.Len() == 0 {
		return rec, stageLoad, fmt.Errorf("%w: adversarial test split is empty", model.ErrMissingAuxiliaryData)
	}

	in, cleanTest, advTest, err := h.extract(ctx, i, fold)
	if err != nil {
		return rec, stageExtract, err
	}

	det, err := detector.New(h.method, h.detOpts, h.deps)
	if err != nil {
		return rec, stageFit, err
	}
	if err := det.Fit(ctx, in); err != nil {
		return rec, stageFit, err
	}

	res, err := h.score(ctx, det, i, cleanTest, advTest, fold.CleanTest.Len(), fold.AdvTest.Len())
	if err != nil {
		return rec, stageScore, err
	}

	key := ""
	if h.cfg.SaveDetectors {
		if key, err = h.saveDetector(ctx, det, i); err != nil {
			return rec, stageStore, err
		}
	}

	next, err := rec.Advance(res, key)
	if err != nil {
		return rec, stageCheckpoint, err
	}
	path, err := checkpoint.Save(h.cfg.OutputDir, next)
	if err != nil {
		return rec, stageCheckpoint, err
	}
	h.logger.Debug("checkpoint written", "fold", i+1, "path", path)
	return next, "", nil
}

// extract builds the fit input and the two test batches. Adversarial training
// data is only run through the model when the method fits on it.
func (h *Harness) extract(ctx context.Context, i int, fold model.Fold) (detector.FitInput, detector.Batch, detector.Batch, error) {
	var in detector.FitInput
	clean, err := h.split(ctx, fold.CleanTrain)
	if err != nil {
		return in, detector.Batch{}, detector.Batch{}, fmt.Errorf("clean train: %w", err)
	}
	in.Clean = clean
	if h.method.UsesNoisyTrain() && fold.NoisyTrain.Len() > 0 {
		noisy, err := h.split(ctx, fold.NoisyTrain)
		if err != nil {
			return in, detector.Batch{}, detector.Batch{}, fmt.Errorf("noisy train: %w", err)
		}
		in.Noisy = &noisy
	}
	if h.method.NeedsAdversarialTrain() && fold.AdvTrain.Len() > 0 {
		adv, err := h.split(ctx, fold.AdvTrain)
		if err != nil {
			return in, detector.Batch{}, detector.Batch{}, fmt.Errorf("adversarial train: %w", err)
		}
		h.checkAttack("train", i, adv)
		in.Adversarial = &adv
	}

	cleanTest, err := h.split(ctx, fold.CleanTest)
	if err != nil {
		return in, detector.Batch{}, detector.Batch{}, fmt.Errorf("clean test: %w", err)
	}
	advTest, err := h.split(ctx, fold.AdvTest)
	if err != nil {
		return in, detector.Batch{}, detector.Batch{}, fmt.Errorf("adversarial test: %w", err)
	}
	h.checkAttack("test", i, advTest)
	return in, asBatch(cleanTest), asBatch(advTest), nil
}

func (h *Harness) split(ctx context.Context, set model.LabeledInputs) (detector.Split, error) {
	emb, predicted, err := h.extractor.Extract(ctx, h.opts.Model, set.Inputs, set.Labels)
	if err != nil {
		return detector.Split{}, err
	}
	s := detector.Split{Embeddings: emb, Labels: set.Labels, Predicted: predicted}
	if h.method.NeedsModel() {
		s.Inputs = set.Inputs
	}
	return s, nil
}

func asBatch(s detector.Split) detector.Batch {
	return detector.Batch{Inputs: s.Inputs, Embeddings: s.Embeddings, Predicted: s.Predicted}
}

// checkAttack warns about adversarial samples that the classifier still
// assigns their true label. The run continues either way.
func (h *Harness) checkAttack(split string, fold int, adv detector.Split) {
	unchanged := 0
	for i, y := range adv.Labels {
		if adv.Predicted[i] == y {
			unchanged++
		}
	}
	if unchanged == 0 {
		return
	}
	h.logger.Warn("adversarial samples keep their true label",
		"fold", fold+1, "split", split, "count", unchanged, "total", len(adv.Labels))
	h.opts.Metrics.LabelMismatch(h.name, split, unchanged)
}

// score concatenates clean and adversarial test scores with detection labels
// 0 and 1.
func (h *Harness) score(ctx context.Context, det detector.Detector, fold int, clean, adv detector.Batch, numClean, numAdv int) (model.FoldResult, error) {
	cleanScores, err := det.Score(ctx, clean)
	if err != nil {
		return model.FoldResult{}, fmt.Errorf("clean test: %w", err)
	}
	advScores, err := det.Score(ctx, adv)
	if err != nil {
		return model.FoldResult{}, fmt.Errorf("adversarial test: %w", err)
	}
	scores := make([]float64, 0, len(cleanScores)+len(advScores))
	scores = append(scores, cleanScores...)
	scores = append(scores, advScores...)
	labels := make([]int, numClean+numAdv)
	for j := numClean; j < len(labels); j++ {
		labels[j] = 1
	}
	if len(scores) != len(labels) {
		return model.FoldResult{}, fmt.Errorf("%w: %d scores for %d detection labels", model.ErrLengthMismatch, len(scores), len(labels))
	}
	return model.FoldResult{Fold: fold, Scores: scores, Labels: labels}, nil
}

func (h *Harness) saveDetector(ctx context.Context, det detector.Detector, fold int) (string, error) {
	state, err := det.Snapshot()
	if err != nil {
		return "", fmt.Errorf("snapshot detector: %w", err)
	}
	blob := storage.NewDetectorBlob(h.name, string(det.Method()), fold, h.opts.Now().UTC().Format(time.RFC3339Nano), state)
	if err := h.opts.Store.SaveDetector(ctx, blob); err != nil {
		return "", fmt.Errorf("save detector: %w", err)
	}
	return blob.Key(), nil
}

func (h *Harness) report(rec checkpoint.Record, resumed int) (Result, error) {
	runID := h.opts.NewRunID()
	createdAt := h.opts.Now().UTC().Format(time.RFC3339Nano)
	report, err := stats.BuildReport(runID, h.name, rec.ScoresPerFold, rec.LabelsPerFold, h.cfg.SweepOptions())
	if err != nil {
		return Result{}, fmt.Errorf("aggregate metrics: %w", err)
	}
	report.CreatedAtUTC = createdAt

	dir := h.cfg.OutputDir
	path, err := stats.WriteReport(dir, report)
	if err != nil {
		return Result{}, fmt.Errorf("write report: %w", err)
	}
	if err := stats.WriteScores(dir, h.name, rec.ScoresPerFold, rec.LabelsPerFold); err != nil {
		return Result{}, fmt.Errorf("write scores: %w", err)
	}

	meanAUC := 0.0
	if sorted := report.SortedProportions(); len(sorted) > 0 {
		meanAUC = sorted[len(sorted)-1].AUC.Mean
	}
	if err := stats.AppendRunIndex(dir, stats.RunIndexEntry{
		RunID:         runID,
		Method:        h.name,
		NumFolds:      rec.NumFolds,
		Seed:          h.cfg.Seed,
		Workers:       h.cfg.Workers,
		MaxProportion: h.cfg.MaxAttackProp,
		MeanAUC:       meanAUC,
		CreatedAtUTC:  createdAt,
	}); err != nil {
		return Result{}, fmt.Errorf("update run index: %w", err)
	}
	h.logger.Info("detection metrics written", "run_id", runID, "path", path, "mean_auc", meanAUC)

	return Result{
		RunID:      runID,
		Method:     h.name,
		Resumed:    resumed,
		Checkpoint: rec,
		Report:     report,
		ReportPath: path,
	}, nil
}
