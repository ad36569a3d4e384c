package dataset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"layerguard/internal/model"
)

const (
	CleanTrainFile = "clean_train.csv"
	CleanTestFile  = "clean_test.csv"
	NoisyTrainFile = "noisy_train.csv"
	NoisyTestFile  = "noisy_test.csv"
	AdvTrainFile   = "adv_train.csv"
	AdvTestFile    = "adv_test.csv"
)

// FoldDir is the directory of fold i (zero-based) under root: fold_<i+1>.
func FoldDir(root string, i int) string {
	return filepath.Join(root, "fold_"+strconv.Itoa(i+1))
}

// DirSource reads folds laid out as <Dir>/fold_<n>/{clean,noisy,adv}_{train,test}.csv.
// Clean files are required; noisy and adversarial files may be absent.
type DirSource struct {
	Dir string
}

func (s DirSource) Load(ctx context.Context, i int) (model.Fold, error) {
	if err := ctx.Err(); err != nil {
		return model.Fold{}, err
	}
	dir := FoldDir(s.Dir, i)
	fold := model.Fold{Index: i}
	sets := []struct {
		file     string
		required bool
		dst      *model.LabeledInputs
	}{
		{CleanTrainFile, true, &fold.CleanTrain},
		{CleanTestFile, true, &fold.CleanTest},
		{NoisyTrainFile, false, &fold.NoisyTrain},
		{NoisyTestFile, false, &fold.NoisyTest},
		{AdvTrainFile, false, &fold.AdvTrain},
		{AdvTestFile, false, &fold.AdvTest},
	}
	for _, set := range sets {
		data, err := readLabeledFile(filepath.Join(dir, set.file), set.required)
		if err != nil {
			return model.Fold{}, fmt.Errorf("fold %d: %w", i+1, err)
		}
		*set.dst = data
	}
	if err := fold.Validate(); err != nil {
		return model.Fold{}, fmt.Errorf("fold %d: %w", i+1, err)
	}
	return fold, nil
}

// NumFolds counts the consecutive fold_<n> directories starting at fold_1.
func (s DirSource) NumFolds() (int, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return 0, err
	}
	var found []int
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "fold_") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), "fold_"))
		if err == nil && n > 0 {
			found = append(found, n)
		}
	}
	sort.Ints(found)
	count := 0
	for _, n := range found {
		if n != count+1 {
			break
		}
		count++
	}
	return count, nil
}

// WriteDir writes folds in the layout DirSource reads. Empty sets are skipped.
func WriteDir(root string, folds []model.Fold) error {
	for i, fold := range folds {
		dir := FoldDir(root, i)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		sets := []struct {
			file string
			data model.LabeledInputs
		}{
			{CleanTrainFile, fold.CleanTrain},
			{CleanTestFile, fold.CleanTest},
			{NoisyTrainFile, fold.NoisyTrain},
			{NoisyTestFile, fold.NoisyTest},
			{AdvTrainFile, fold.AdvTrain},
			{AdvTestFile, fold.AdvTest},
		}
		for _, set := range sets {
			if set.data.Len() == 0 && set.file != CleanTrainFile && set.file != CleanTestFile {
				continue
			}
			if err := writeLabeledFile(filepath.Join(dir, set.file), set.data); err != nil {
				return err
			}
		}
	}
	return nil
}

// MemorySource serves folds held in memory.
type MemorySource struct {
	Folds []model.Fold
}

func (s MemorySource) Load(ctx context.Context, i int) (model.Fold, error) {
	if err := ctx.Err(); err != nil {
		return model.Fold{}, err
	}
	if i < 0 || i >= len(s.Folds) {
		return model.Fold{}, model.Configf("fold %d requested, source has %d folds", i+1, len(s.Folds))
	}
	fold := s.Folds[i]
	fold.Index = i
	if err := fold.Validate(); err != nil {
		return model.Fold{}, fmt.Errorf("fold %d: %w", i+1, err)
	}
	return fold, nil
}

func (s MemorySource) NumFolds() (int, error) {
	return len(s.Folds), nil
}
