package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"layerguard/internal/fusion"
	"layerguard/internal/model"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "propo_multi_pval_hmp_adv", cfg.MethodName())
}

func TestMethodName(t *testing.T) {
	cases := []struct {
		mutate func(*Config)
		want   string
	}{
		{func(c *Config) { c.Fusion = "fisher"; c.TestStatistic = "gaussian" }, "propo_gauss_pval_fis_adv"},
		{func(c *Config) { c.TopK = 3 }, "propo_multi_pval_hmp_adv_top3"},
		{func(c *Config) { c.LastK = 2; c.NumNeighbors = 10 }, "propo_multi_pval_hmp_adv_last2_k10"},
		{func(c *Config) { c.Method = "trust"; c.TrustLayer = 2 }, "trust_2"},
		{func(c *Config) { c.Method = "trust"; c.NumNeighbors = 5 }, "trust_-1_k5"},
		{func(c *Config) { c.Method = "lid_class_cond"; c.NumNeighbors = 20 }, "lid_class_cond_k20"},
		{func(c *Config) { c.Method = "dknn" }, "dknn"},
		{func(c *Config) { c.Method = "mahalanobis"; c.NumNeighbors = 20 }, "mahalanobis"},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		require.Equal(t, tc.want, cfg.MethodName())
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown method":    func(c *Config) { c.Method = "svm" },
		"unknown statistic": func(c *Config) { c.TestStatistic = "median" },
		"unknown fusion":    func(c *Config) { c.Fusion = "min" },
		"top and last":      func(c *Config) { c.TopK = 2; c.LastK = 2 },
		"negative top":      func(c *Config) { c.TopK = -1 },
		"zero folds":        func(c *Config) { c.NumFolds = 0 },
		"zero proportion":   func(c *Config) { c.MaxAttackProp = 0 },
		"proportion above":  func(c *Config) { c.MaxAttackProp = 1.5 },
		"no workers":        func(c *Config) { c.Workers = 0 },
		"bad calibration":   func(c *Config) { c.CalibrationFraction = 1 },
		"bad store":         func(c *Config) { c.StoreKind = "redis" },
		"sqlite no path":    func(c *Config) { c.StoreKind = "sqlite"; c.SaveDetectors = true },
		"negative layer":    func(c *Config) { c.Layers = []int{0, -2} },
		"no output":         func(c *Config) { c.OutputDir = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), model.ErrConfiguration)
		})
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
method: lid
num_neighbors: 20
num_folds: 3
max_attack_prop: 0.2
lid_batches: 10
layers: [0, 2]
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "lid", cfg.Method)
	require.Equal(t, 3, cfg.NumFolds)
	require.Equal(t, []int{0, 2}, cfg.Layers)
	// untouched keys keep their defaults
	require.Equal(t, DefaultWorkers, cfg.Workers)
	require.Equal(t, "lid_k20", cfg.MethodName())

	opts, err := cfg.DetectorOptions(nil)
	require.NoError(t, err)
	require.Equal(t, 10, opts.LIDBatches)
	require.Equal(t, fusion.All, opts.Selection.Mode)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("methd: lid\n"))
	require.ErrorIs(t, err, model.ErrConfiguration)

	_, err = Parse([]byte("top_k: 2\nlast_k: 3\n"))
	require.ErrorIs(t, err, model.ErrConfiguration)

	cfg, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Method = "dknn"
	cfg.Layers = []int{1}
	data, err := cfg.Marshal()
	require.NoError(t, err)
	back, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, cfg, back)
}

func TestFingerprint(t *testing.T) {
	base := Default()
	require.Equal(t, base.Fingerprint(), Default().Fingerprint())

	same := base
	same.Workers = 1
	same.OutputDir = "elsewhere"
	same.NumProportions = 3
	same.Layers = []int{}
	require.Equal(t, base.Fingerprint(), same.Fingerprint())

	for name, mutate := range map[string]func(*Config){
		"seed":                 func(c *Config) { c.Seed++ },
		"combine classes":      func(c *Config) { c.CombineClasses = !c.CombineClasses },
		"calibration fraction": func(c *Config) { c.CalibrationFraction = 0.3 },
		"trust alpha":          func(c *Config) { c.TrustAlpha = 0.2 },
		"layers":               func(c *Config) { c.Layers = []int{0, 1} },
	} {
		changed := base
		mutate(&changed)
		require.NotEqual(t, base.Fingerprint(), changed.Fingerprint(), name)
	}
}

func TestSweepOptions(t *testing.T) {
	cfg := Default()
	cfg.MaxAttackProp = 0.3
	opts := cfg.SweepOptions()
	require.Equal(t, 0.3, opts.MaxProportion)
	require.Equal(t, cfg.Seed, opts.Seed)
}
