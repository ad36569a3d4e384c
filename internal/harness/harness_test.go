package harness

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"layerguard/internal/checkpoint"
	"layerguard/internal/config"
	"layerguard/internal/dataset"
	"layerguard/internal/model"
	"layerguard/internal/nn"
	"layerguard/internal/stats"
	"layerguard/internal/storage"
	"layerguard/internal/telemetry"
)

// recordingSource counts loads and fails on request.
type recordingSource struct {
	inner  FoldSource
	failAt int
	loads  []int
}

func (s *recordingSource) Load(ctx context.Context, i int) (model.Fold, error) {
	s.loads = append(s.loads, i)
	if i == s.failAt {
		return model.Fold{}, errors.New("fold storage unavailable")
	}
	return s.inner.Load(ctx, i)
}

func synthetic(t *testing.T) (dataset.Synthetic, *nn.Network) {
	t.Helper()
	opts := dataset.DefaultSynthOptions()
	opts.TrainPerClass = 40
	opts.TestPerClass = 15
	synth, err := dataset.Synthesize(opts)
	require.NoError(t, err)
	net, err := dataset.ReferenceNetwork(synth.Centers)
	require.NoError(t, err)
	return synth, net
}

func testConfig(t *testing.T, method string) config.Config {
	cfg := config.Default()
	cfg.Method = method
	cfg.OutputDir = t.TempDir()
	cfg.Workers = 2
	cfg.NumProportions = 4
	cfg.SweepTrials = 2
	return cfg
}

func newHarness(t *testing.T, cfg config.Config, net *nn.Network, store storage.Store) *Harness {
	t.Helper()
	h, err := New(cfg, Options{
		Model:    net,
		Store:    store,
		Metrics:  telemetry.New(prometheus.NewRegistry()),
		Now:      func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
		NewRunID: func() string { return "run-1" },
	})
	require.NoError(t, err)
	return h
}

func TestRunWritesCheckpointAndReport(t *testing.T) {
	synth, net := synthetic(t)
	cfg := testConfig(t, "dknn")
	h := newHarness(t, cfg, net, nil)

	res, err := h.Run(context.Background(), synth.Source())
	require.NoError(t, err)
	require.Equal(t, "dknn", res.Method)
	require.Equal(t, 0, res.Resumed)
	require.True(t, res.Checkpoint.Done())
	require.Len(t, res.Checkpoint.ScoresPerFold, cfg.NumFolds)
	for i, labels := range res.Checkpoint.LabelsPerFold {
		fold := synth.Folds[i]
		require.Len(t, labels, fold.CleanTest.Len()+fold.AdvTest.Len())
		require.Equal(t, 0, labels[0])
		require.Equal(t, 1, labels[len(labels)-1])
	}

	report, ok, err := stats.ReadReport(cfg.OutputDir, "dknn")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "run-1", report.RunID)
	require.Equal(t, cfg.NumFolds, report.NumFolds)
	require.Len(t, report.Proportions, cfg.NumProportions)
	require.NotEmpty(t, res.ReportPath)

	scores, labels, ok, err := stats.ReadScores(cfg.OutputDir, "dknn")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, res.Checkpoint.ScoresPerFold, scores)
	require.Equal(t, res.Checkpoint.LabelsPerFold, labels)

	runs, err := stats.ListRunIndex(cfg.OutputDir)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "run-1", runs[0].RunID)
}

func TestRunIsIdempotentOnceComplete(t *testing.T) {
	synth, net := synthetic(t)
	cfg := testConfig(t, "proposed")
	first, err := newHarness(t, cfg, net, nil).Run(context.Background(), synth.Source())
	require.NoError(t, err)
	path := checkpoint.Path(cfg.OutputDir, first.Method)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	src := &recordingSource{inner: synth.Source(), failAt: -1}
	second, err := newHarness(t, cfg, net, nil).Run(context.Background(), src)
	require.NoError(t, err)
	require.Empty(t, src.loads)
	require.Equal(t, cfg.NumFolds, second.Resumed)
	require.Equal(t, first.Checkpoint.ScoresPerFold, second.Checkpoint.ScoresPerFold)
	require.Equal(t, first.Report.Proportions, second.Report.Proportions)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestResumeKeepsCompletedFolds(t *testing.T) {
	synth, net := synthetic(t)
	cfg := testConfig(t, "dknn")

	failing := &recordingSource{inner: synth.Source(), failAt: 3}
	_, err := newHarness(t, cfg, net, nil).Run(context.Background(), failing)
	var foldErr *model.FoldError
	require.ErrorAs(t, err, &foldErr)
	require.Equal(t, 3, foldErr.Fold)
	require.Equal(t, "dknn", foldErr.Method)

	partial, ok, err := checkpoint.Load(cfg.OutputDir, "dknn")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, partial.NextFoldIndex)
	before, err := json.Marshal(partial.ScoresPerFold)
	require.NoError(t, err)

	resumed := &recordingSource{inner: synth.Source(), failAt: -1}
	res, err := newHarness(t, cfg, net, nil).Run(context.Background(), resumed)
	require.NoError(t, err)
	require.Equal(t, []int{3, 4}, resumed.loads)
	require.Equal(t, 3, res.Resumed)

	after, err := json.Marshal(res.Checkpoint.ScoresPerFold[:3])
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, partial.LabelsPerFold, res.Checkpoint.LabelsPerFold[:3])
}

func TestRestartDiscardsCheckpoint(t *testing.T) {
	synth, net := synthetic(t)
	cfg := testConfig(t, "dknn")
	_, err := newHarness(t, cfg, net, nil).Run(context.Background(), &recordingSource{inner: synth.Source(), failAt: 2})
	require.Error(t, err)

	cfg.Restart = true
	src := &recordingSource{inner: synth.Source(), failAt: -1}
	res, err := newHarness(t, cfg, net, nil).Run(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, 0, res.Resumed)
	require.Equal(t, []int{0, 1, 2, 3, 4}, src.loads)
}

func TestConfigurationErrorsBeforeAnyFold(t *testing.T) {
	_, net := synthetic(t)
	cfg := testConfig(t, "proposed")
	cfg.TopK = 2
	cfg.LastK = 2
	_, err := New(cfg, Options{Model: net})
	require.ErrorIs(t, err, model.ErrConfiguration)

	cfg = testConfig(t, "dknn")
	_, err = New(cfg, Options{})
	require.ErrorIs(t, err, model.ErrConfiguration)

	cfg.SaveDetectors = true
	_, err = New(cfg, Options{Model: net})
	require.ErrorIs(t, err, model.ErrConfiguration)
}

func TestCorruptCheckpointAbortsRun(t *testing.T) {
	synth, net := synthetic(t)
	cfg := testConfig(t, "dknn")
	require.NoError(t, os.WriteFile(checkpoint.Path(cfg.OutputDir, "dknn"), []byte(`{"method":"dknn",`), 0o644))

	src := &recordingSource{inner: synth.Source(), failAt: -1}
	_, err := newHarness(t, cfg, net, nil).Run(context.Background(), src)
	require.ErrorIs(t, err, model.ErrCheckpointCorruption)
	require.Empty(t, src.loads)
}

func TestCheckpointForOtherFoldCountIsCorrupt(t *testing.T) {
	synth, net := synthetic(t)
	cfg := testConfig(t, "dknn")
	_, err := newHarness(t, cfg, net, nil).Run(context.Background(), &recordingSource{inner: synth.Source(), failAt: 1})
	require.Error(t, err)

	cfg.NumFolds = 4
	_, err = newHarness(t, cfg, net, nil).Run(context.Background(), synth.Source())
	require.ErrorIs(t, err, model.ErrCheckpointCorruption)
}

func TestResumeRejectsChangedScoringOptions(t *testing.T) {
	synth, net := synthetic(t)
	cfg := testConfig(t, "trust")
	_, err := newHarness(t, cfg, net, nil).Run(context.Background(), &recordingSource{inner: synth.Source(), failAt: 2})
	require.Error(t, err)

	changed := cfg
	changed.TrustAlpha = 0.2
	_, err = newHarness(t, changed, net, nil).Run(context.Background(), synth.Source())
	require.ErrorIs(t, err, model.ErrCheckpointCorruption)

	// worker count does not change scores
	cfg.Workers = 1
	res, err := newHarness(t, cfg, net, nil).Run(context.Background(), synth.Source())
	require.NoError(t, err)
	require.Equal(t, 2, res.Resumed)
	require.Equal(t, cfg.Fingerprint(), res.Checkpoint.ConfigFingerprint)
}

func TestMissingAdversarialTrainingData(t *testing.T) {
	synth, net := synthetic(t)
	folds := append([]model.Fold(nil), synth.Folds...)
	for i := range folds {
		folds[i].AdvTrain = model.LabeledInputs{}
	}
	cfg := testConfig(t, "lid")
	_, err := newHarness(t, cfg, net, nil).Run(context.Background(), dataset.MemorySource{Folds: folds})
	require.ErrorIs(t, err, model.ErrMissingAuxiliaryData)
	var foldErr *model.FoldError
	require.ErrorAs(t, err, &foldErr)
	require.Equal(t, 0, foldErr.Fold)
}

func TestMissingAdversarialTestData(t *testing.T) {
	synth, net := synthetic(t)
	folds := append([]model.Fold(nil), synth.Folds...)
	folds[0].AdvTest = model.LabeledInputs{}
	cfg := testConfig(t, "dknn")
	_, err := newHarness(t, cfg, net, nil).Run(context.Background(), dataset.MemorySource{Folds: folds})
	require.ErrorIs(t, err, model.ErrMissingAuxiliaryData)
}

func TestRunSavesDetectors(t *testing.T) {
	synth, net := synthetic(t)
	store := storage.NewMemoryStore()
	require.NoError(t, store.Init(context.Background()))
	cfg := testConfig(t, "trust")
	cfg.SaveDetectors = true

	res, err := newHarness(t, cfg, net, store).Run(context.Background(), synth.Source())
	require.NoError(t, err)
	require.Equal(t, "trust_-1", res.Method)
	require.Len(t, res.Checkpoint.FittedDetectors, cfg.NumFolds)
	require.Equal(t, "trust_-1/fold_1", res.Checkpoint.FittedDetectors[0])

	blobs, err := store.ListDetectors(context.Background(), res.Method)
	require.NoError(t, err)
	require.Len(t, blobs, cfg.NumFolds)
	require.Equal(t, "trust", blobs[0].Method)
	require.Contains(t, string(blobs[0].State), `"method":"trust"`)
}

func TestResumeWithSavingKeepsDetectorKeysPerFold(t *testing.T) {
	synth, net := synthetic(t)
	cfg := testConfig(t, "trust")
	src := &recordingSource{inner: synth.Source(), failAt: 2}
	_, err := newHarness(t, cfg, net, nil).Run(context.Background(), src)
	require.Error(t, err)

	store := storage.NewMemoryStore()
	require.NoError(t, store.Init(context.Background()))
	cfg.SaveDetectors = true
	res, err := newHarness(t, cfg, net, store).Run(context.Background(), synth.Source())
	require.NoError(t, err)
	require.Equal(t, 2, res.Resumed)
	require.Equal(t, []string{"", "", "trust_-1/fold_3", "trust_-1/fold_4", "trust_-1/fold_5"}, res.Checkpoint.FittedDetectors)

	loaded, ok, err := checkpoint.Load(cfg.OutputDir, res.Method)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, res.Checkpoint.FittedDetectors, loaded.FittedDetectors)
}

func TestRunHonoursCancellation(t *testing.T) {
	synth, net := synthetic(t)
	cfg := testConfig(t, "dknn")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newHarness(t, cfg, net, nil).Run(ctx, synth.Source())
	require.ErrorIs(t, err, context.Canceled)

	_, ok, err := checkpoint.Load(cfg.OutputDir, "dknn")
	require.NoError(t, err)
	require.False(t, ok)
}
