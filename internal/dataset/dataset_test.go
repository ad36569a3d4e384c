package dataset

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"layerguard/internal/embed"
	"layerguard/internal/model"
)

func TestReadLabeledCSV(t *testing.T) {
	in := "label,x0,x1\n1, 0.5, -2\n\n0,3,4e-1\n"
	set, err := ReadLabeledCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Equal(t, []int{1, 0}, set.Labels)
	require.Equal(t, [][]float64{{0.5, -2}, {3, 0.4}}, set.Inputs)

	// headerless files work too
	set, err = ReadLabeledCSV(strings.NewReader("2,1,1\n"))
	require.NoError(t, err)
	require.Equal(t, []int{2}, set.Labels)
}

func TestReadLabeledCSVErrors(t *testing.T) {
	_, err := ReadLabeledCSV(strings.NewReader("label,x0\n1,2\n0,2,3\n"))
	require.ErrorIs(t, err, model.ErrShapeMismatch)

	_, err = ReadLabeledCSV(strings.NewReader("1,2\nx,3\n"))
	require.Error(t, err)

	_, err = ReadLabeledCSV(strings.NewReader("1,abc\n"))
	require.Error(t, err)
}

func TestWriteReadRoundTrip(t *testing.T) {
	set := model.LabeledInputs{
		Inputs: [][]float64{{0.1, 1e-9}, {-3.25, 7}},
		Labels: []int{0, 4},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteLabeledCSV(&buf, set))
	got, err := ReadLabeledCSV(&buf)
	require.NoError(t, err)
	require.Equal(t, set, got)
}

func TestDirSource(t *testing.T) {
	opts := DefaultSynthOptions()
	opts.NumFolds = 2
	opts.TrainPerClass = 5
	opts.TestPerClass = 2
	synth, err := Synthesize(opts)
	require.NoError(t, err)

	root := t.TempDir()
	require.NoError(t, WriteDir(root, synth.Folds))

	src := DirSource{Dir: root}
	n, err := src.NumFolds()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	fold, err := src.Load(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, fold.Index)
	require.Equal(t, synth.Folds[1].CleanTrain, fold.CleanTrain)
	require.Equal(t, synth.Folds[1].AdvTest, fold.AdvTest)

	_, err = src.Load(context.Background(), 2)
	require.Error(t, err)
}

func TestDirSourceOptionalSets(t *testing.T) {
	root := t.TempDir()
	dir := FoldDir(root, 0)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, CleanTrainFile), []byte("0,1\n1,2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, CleanTestFile), []byte("0,1\n"), 0o644))

	fold, err := DirSource{Dir: root}.Load(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 2, fold.CleanTrain.Len())
	require.Zero(t, fold.AdvTrain.Len())
	require.Zero(t, fold.NoisyTest.Len())

	require.NoError(t, os.Remove(filepath.Join(dir, CleanTestFile)))
	_, err = DirSource{Dir: root}.Load(context.Background(), 0)
	require.Error(t, err)
}

func TestMemorySource(t *testing.T) {
	src := MemorySource{Folds: []model.Fold{{
		CleanTrain: model.LabeledInputs{Inputs: [][]float64{{1}}, Labels: []int{0}},
	}}}
	fold, err := src.Load(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 0, fold.Index)

	_, err = src.Load(context.Background(), 1)
	require.ErrorIs(t, err, model.ErrConfiguration)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Load(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSynthesizeIsSeeded(t *testing.T) {
	opts := DefaultSynthOptions()
	opts.NumFolds = 1
	a, err := Synthesize(opts)
	require.NoError(t, err)
	b, err := Synthesize(opts)
	require.NoError(t, err)
	require.Equal(t, a, b)

	fold := a.Folds[0]
	require.Equal(t, fold.CleanTrain.Len(), fold.NoisyTrain.Len())
	require.Equal(t, fold.CleanTrain.Labels, fold.AdvTrain.Labels)
	require.NoError(t, fold.Validate())

	opts.AttackStrength = 0
	_, err = Synthesize(opts)
	require.ErrorIs(t, err, model.ErrConfiguration)
}

func TestReferenceNetworkClassifiesCleanAndNotAdversarial(t *testing.T) {
	opts := DefaultSynthOptions()
	opts.NumFolds = 1
	synth, err := Synthesize(opts)
	require.NoError(t, err)
	net, err := ReferenceNetwork(synth.Centers)
	require.NoError(t, err)
	require.Equal(t, 2, net.NumTaps())

	fold := synth.Folds[0]
	ex := embed.Extractor{Workers: 2}
	set, predicted, err := ex.Extract(context.Background(), net, fold.CleanTest.Inputs, fold.CleanTest.Labels)
	require.NoError(t, err)
	require.Equal(t, 2, set.NumLayers())
	// the merge layer rebuilds the input
	require.InDeltaSlice(t, fold.CleanTest.Inputs[0], set.Layers[1][0], 1e-12)

	cleanCorrect := 0
	for i, p := range predicted {
		if p == fold.CleanTest.Labels[i] {
			cleanCorrect++
		}
	}
	require.Greater(t, float64(cleanCorrect)/float64(len(predicted)), 0.9)

	_, advPredicted, err := ex.Extract(context.Background(), net, fold.AdvTest.Inputs, nil)
	require.NoError(t, err)
	advCorrect := 0
	for i, p := range advPredicted {
		if p == fold.AdvTest.Labels[i] {
			advCorrect++
		}
	}
	require.Less(t, float64(advCorrect)/float64(len(advPredicted)), 0.5)
}
