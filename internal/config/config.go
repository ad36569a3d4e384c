// Package config holds the validated run configuration and its YAML form.
package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"layerguard/internal/detector"
	"layerguard/internal/fusion"
	"layerguard/internal/model"
	"layerguard/internal/nullstat"
	"layerguard/internal/stats"
)

const (
	DefaultNumFolds      = 5
	DefaultMaxAttackProp = 0.5
	DefaultWorkers       = 4
	DefaultBatchSize     = 256
	DefaultSeed          = 123
	DefaultOutputDir     = "results"
)

type Config struct {
	Method        string `yaml:"method"`
	TestStatistic string `yaml:"test_statistic"`
	Fusion        string `yaml:"fusion"`
	TopK          int    `yaml:"top_k"`
	LastK         int    `yaml:"last_k"`
	// NumNeighbors <= 0 selects the automatic neighbour count.
	NumNeighbors   int     `yaml:"num_neighbors"`
	NumFolds       int     `yaml:"num_folds"`
	MaxAttackProp  float64 `yaml:"max_attack_prop"`
	NumProportions int     `yaml:"num_proportions"`
	SweepTrials    int     `yaml:"sweep_trials"`
	Workers        int     `yaml:"workers"`
	BatchSize      int     `yaml:"batch_size"`
	Seed           int64   `yaml:"seed"`

	CombineClasses      bool    `yaml:"combine_classes"`
	CalibrationFraction float64 `yaml:"calibration_fraction"`
	TrustLayer          int     `yaml:"trust_layer"`
	TrustAlpha          float64 `yaml:"trust_alpha"`
	LIDBatches          int     `yaml:"lid_batches"`
	NoiseStd            float64 `yaml:"noise_std"`
	NoiseSamples        int     `yaml:"noise_samples"`
	// Layers lists the tap indices to extract; empty extracts every layer.
	Layers []int `yaml:"layers"`

	DataDir        string `yaml:"data_dir"`
	ModelPath      string `yaml:"model_path"`
	ProjectionPath string `yaml:"projection_path"`
	OutputDir      string `yaml:"output_dir"`
	// Restart discards an existing checkpoint instead of resuming from it.
	Restart       bool   `yaml:"restart"`
	SaveDetectors bool   `yaml:"save_detectors"`
	StoreKind     string `yaml:"store_kind"`
	StorePath     string `yaml:"store_path"`
}

func Default() Config {
	return Config{
		Method:              string(detector.Proposed),
		TestStatistic:       string(nullstat.Multinomial),
		Fusion:              string(fusion.HarmonicMeanMethod),
		NumFolds:            DefaultNumFolds,
		MaxAttackProp:       DefaultMaxAttackProp,
		NumProportions:      stats.DefaultNumProportions,
		SweepTrials:         stats.DefaultSweepTrials,
		Workers:             DefaultWorkers,
		BatchSize:           DefaultBatchSize,
		Seed:                DefaultSeed,
		CalibrationFraction: detector.DefaultCalibrationFraction,
		TrustLayer:          -1,
		TrustAlpha:          detector.DefaultTrustAlpha,
		NoiseStd:            detector.DefaultNoiseStd,
		NoiseSamples:        detector.DefaultNoiseSamples,
		OutputDir:           DefaultOutputDir,
		StoreKind:           "memory",
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c Config) Validate() error {
	if _, err := detector.ParseMethod(c.Method); err != nil {
		return err
	}
	if _, err := nullstat.New(nullstat.Options{Kind: nullstat.Kind(c.TestStatistic)}); err != nil {
		return err
	}
	if _, err := c.Selection(); err != nil {
		return err
	}
	if _, err := fusion.NewFuser(fusion.Method(c.Fusion), fusion.Selection{}); err != nil {
		return err
	}
	switch {
	case c.NumFolds < 1:
		return model.Configf("num_folds must be at least 1, got %d", c.NumFolds)
	case c.MaxAttackProp <= 0 || c.MaxAttackProp > 1:
		return model.Configf("max_attack_prop must be in (0, 1], got %v", c.MaxAttackProp)
	case c.NumProportions < 1 || c.SweepTrials < 1:
		return model.Configf("num_proportions and sweep_trials must be positive")
	case c.Workers < 1:
		return model.Configf("workers must be at least 1, got %d", c.Workers)
	case c.BatchSize < 1:
		return model.Configf("batch_size must be at least 1, got %d", c.BatchSize)
	case c.CalibrationFraction <= 0 || c.CalibrationFraction >= 1:
		return model.Configf("calibration_fraction must be in (0, 1), got %v", c.CalibrationFraction)
	case c.TrustAlpha <= 0 || c.TrustAlpha >= 1:
		return model.Configf("trust_alpha must be in (0, 1), got %v", c.TrustAlpha)
	case c.LIDBatches < 0:
		return model.Configf("lid_batches must not be negative")
	case c.NoiseStd <= 0 || c.NoiseSamples < 1:
		return model.Configf("noise_std and noise_samples must be positive")
	case c.OutputDir == "":
		return model.Configf("output_dir is required")
	}
	for _, l := range c.Layers {
		if l < 0 {
			return model.Configf("layer index %d is negative", l)
		}
	}
	switch c.StoreKind {
	case "", "memory", "sqlite", "badger":
	default:
		return model.Configf("unsupported store backend: %s", c.StoreKind)
	}
	if c.StoreKind == "sqlite" && c.SaveDetectors && c.StorePath == "" {
		return model.Configf("store_path is required for the sqlite store")
	}
	return nil
}

// Selection returns the layer selection; top_k and last_k are exclusive.
func (c Config) Selection() (fusion.Selection, error) {
	if c.TopK < 0 || c.LastK < 0 {
		return fusion.Selection{}, model.Configf("top_k and last_k must not be negative")
	}
	return fusion.NewSelection(c.TopK, c.LastK)
}

// MethodName names the run's artifacts after the method and the options that
// change its scores, e.g. propo_multi_pval_hmp_adv_last3_k10.
func (c Config) MethodName() string {
	method := detector.Method(c.Method)
	name := c.Method
	switch method {
	case detector.Proposed:
		fuse := "hmp"
		if fusion.Method(c.Fusion) == fusion.FisherMethod {
			fuse = "fis"
		}
		stat := c.TestStatistic
		if stat == "" {
			stat = string(nullstat.Multinomial)
		}
		name = fmt.Sprintf("%.5s_%.5s_pval_%s_adv", name, stat, fuse)
		if c.TopK > 0 {
			name = fmt.Sprintf("%s_top%d", name, c.TopK)
		} else if c.LastK > 0 {
			name = fmt.Sprintf("%s_last%d", name, c.LastK)
		}
	case detector.TrustScore:
		name = fmt.Sprintf("%.5s_%d", name, c.TrustLayer)
	}
	if c.NumNeighbors > 0 && method != detector.Mahalanobis && method != detector.OddsAreOdd {
		name = fmt.Sprintf("%s_k%d", name, c.NumNeighbors)
	}
	return name
}

// Fingerprint hashes the options that change fold scores. Paths, worker
// counts and the metrics sweep are left out: they do not alter a completed
// fold.
func (c Config) Fingerprint() string {
	layers := c.Layers
	if len(layers) == 0 {
		layers = nil
	}
	data, _ := json.Marshal(struct {
		Method, TestStatistic, Fusion string
		TopK, LastK, NumNeighbors     int
		NumFolds                      int
		Seed                          int64
		CombineClasses                bool
		CalibrationFraction           float64
		TrustLayer                    int
		TrustAlpha                    float64
		LIDBatches                    int
		NoiseStd                      float64
		NoiseSamples                  int
		Layers                        []int
	}{
		c.Method, c.TestStatistic, c.Fusion,
		c.TopK, c.LastK, c.NumNeighbors,
		c.NumFolds,
		c.Seed,
		c.CombineClasses,
		c.CalibrationFraction,
		c.TrustLayer,
		c.TrustAlpha,
		c.LIDBatches,
		c.NoiseStd,
		c.NoiseSamples,
		layers,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// DetectorOptions translates the configuration for detector.New.
func (c Config) DetectorOptions(logger *slog.Logger) (detector.Options, error) {
	sel, err := c.Selection()
	if err != nil {
		return detector.Options{}, err
	}
	return detector.Options{
		TestStatistic:       nullstat.Kind(c.TestStatistic),
		Fusion:              fusion.Method(c.Fusion),
		Selection:           sel,
		CombineLowProba:     c.CombineClasses,
		NumNeighbors:        c.NumNeighbors,
		CalibrationFraction: c.CalibrationFraction,
		TrustLayer:          c.TrustLayer,
		TrustAlpha:          c.TrustAlpha,
		LIDBatches:          c.LIDBatches,
		NoiseStd:            c.NoiseStd,
		NoiseSamples:        c.NoiseSamples,
		Workers:             c.Workers,
		Seed:                c.Seed,
		Logger:              logger,
	}, nil
}

func (c Config) SweepOptions() stats.SweepOptions {
	return stats.SweepOptions{
		MaxProportion:  c.MaxAttackProp,
		NumProportions: c.NumProportions,
		Trials:         c.SweepTrials,
		FPRTargets:     stats.DefaultFPRTargets,
		Seed:           c.Seed,
	}
}
