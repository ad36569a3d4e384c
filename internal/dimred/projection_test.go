package dimred

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"layerguard/internal/model"
)

func TestProjectionApply(t *testing.T) {
	p := &Projection{
		Mean:       []float64{1, 1},
		Components: [][]float64{{1, 0}, {1, 1}, {0, 2}},
	}
	require.NoError(t, p.Validate())

	out, err := p.Apply([][]float64{{2, 3}, {1, 1}})
	require.NoError(t, err)
	require.Equal(t, [][]float64{{1, 3, 4}, {0, 0, 0}}, out)

	_, err = p.Apply([][]float64{{1}})
	require.True(t, errors.Is(err, model.ErrShapeMismatch))
}

func TestSetApplyPassesUncoveredLayers(t *testing.T) {
	set := &Set{Layers: []*Projection{nil, {Mean: []float64{0}, Components: [][]float64{{2}}}}}
	emb := model.EmbeddingSet{Layers: [][][]float64{
		{{1}, {2}},
		{{1}, {2}},
		{{5}, {6}},
	}}
	out, err := set.Apply(emb)
	require.NoError(t, err)
	require.Equal(t, emb.Layers[0], out.Layers[0])
	require.Equal(t, [][]float64{{2}, {4}}, out.Layers[1])
	require.Equal(t, emb.Layers[2], out.Layers[2])

	tail := set.Tail(1)
	require.Len(t, tail.Layers, 1)
	require.NotNil(t, tail.Layers[0])
	require.Nil(t, set.Pick(4))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dr.json")
	data, err := json.Marshal(Set{Layers: []*Projection{{Method: "pca", Mean: []float64{0, 0}, Components: [][]float64{{1, 0}}}}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	set, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "pca", set.Layers[0].Method)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"layers":[{"mean":[0],"components":[[1,2]]}]}`), 0o644))
	_, err = Load(bad)
	require.Error(t, err)
}
