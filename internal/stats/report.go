package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const runIndexFile = "run_index.json"

// ReportFileName is the metrics report written at the end of a run.
func ReportFileName(method string) string {
	return fmt.Sprintf("detection_metrics_%s.json", method)
}

// ScoresFileName holds the concatenated per-fold scores as CSV.
func ScoresFileName(method string) string {
	return fmt.Sprintf("detection_scores_%s.csv", method)
}

type Report struct {
	RunID         string    `json:"run_id"`
	Method        string    `json:"method"`
	NumFolds      int       `json:"num_folds"`
	MaxProportion float64   `json:"max_proportion"`
	FPRTargets    []float64 `json:"fpr_targets"`
	Seed          int64     `json:"seed"`
	CreatedAtUTC  string    `json:"created_at_utc"`
	// Proportions maps ProportionKey(p) to the metrics at attack share p.
	Proportions map[string]ProportionMetrics `json:"proportions"`
	// Overall holds the metrics of every fold without subsampling.
	Overall []Metrics `json:"overall"`
}

// BuildReport evaluates every fold as scored and at every swept proportion.
func BuildReport(runID, method string, scoresPerFold [][]float64, labelsPerFold [][]int, opts SweepOptions) (Report, error) {
	if strings.TrimSpace(runID) == "" {
		return Report{}, fmt.Errorf("run id is required")
	}
	sweep, err := SweepProportions(scoresPerFold, labelsPerFold, opts)
	if err != nil {
		return Report{}, err
	}
	opts, _ = opts.withDefaults()
	report := Report{
		RunID:         runID,
		Method:        method,
		NumFolds:      len(scoresPerFold),
		MaxProportion: opts.MaxProportion,
		FPRTargets:    opts.FPRTargets,
		Seed:          opts.Seed,
		Proportions:   make(map[string]ProportionMetrics, len(sweep)),
		Overall:       make([]Metrics, 0, len(scoresPerFold)),
	}
	for _, pm := range sweep {
		report.Proportions[ProportionKey(pm.Proportion)] = pm
	}
	for fold := range scoresPerFold {
		m, err := Evaluate(scoresPerFold[fold], labelsPerFold[fold], opts.FPRTargets)
		if err != nil {
			return Report{}, fmt.Errorf("fold %d: %w", fold+1, err)
		}
		report.Overall = append(report.Overall, m)
	}
	return report, nil
}

func WriteReport(dir string, report Report) (string, error) {
	if report.Method == "" {
		return "", fmt.Errorf("report method is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, ReportFileName(report.Method))
	if err := writeJSON(path, report); err != nil {
		return "", err
	}
	return path, nil
}

func ReadReport(dir, method string) (Report, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, ReportFileName(method)))
	if err != nil {
		if os.IsNotExist(err) {
			return Report{}, false, nil
		}
		return Report{}, false, err
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return Report{}, false, err
	}
	return report, true, nil
}

// SortedProportions returns the report's swept proportions in ascending order.
func (r Report) SortedProportions() []ProportionMetrics {
	out := make([]ProportionMetrics, 0, len(r.Proportions))
	for _, pm := range r.Proportions {
		out = append(out, pm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Proportion < out[j].Proportion })
	return out
}

type RunIndexEntry struct {
	RunID         string  `json:"run_id"`
	Method        string  `json:"method"`
	NumFolds      int     `json:"num_folds"`
	Seed          int64   `json:"seed"`
	Workers       int     `json:"workers"`
	MaxProportion float64 `json:"max_proportion"`
	// MeanAUC is the fold-mean AUC at the largest swept proportion.
	MeanAUC      float64 `json:"mean_auc"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := readRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// readRunIndex returns the entries in the order they were appended.
func readRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}
	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ListRunIndex returns index entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	entries, err := readRunIndex(baseDir)
	if err != nil {
		return nil, err
	}
	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ea, eb := entries[order[a]], entries[order[b]]
		if ea.CreatedAtUTC == eb.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return order[a] > order[b]
		}
		return ea.CreatedAtUTC > eb.CreatedAtUTC
	})
	sorted := make([]RunIndexEntry, 0, len(entries))
	for _, i := range order {
		sorted = append(sorted, entries[i])
	}
	return sorted, nil
}

// WriteScores writes one CSV row per scored sample: fold, index, label, score.
func WriteScores(dir, method string, scoresPerFold [][]float64, labelsPerFold [][]int) error {
	if len(scoresPerFold) != len(labelsPerFold) {
		return fmt.Errorf("score and label fold counts differ: %d vs %d", len(scoresPerFold), len(labelsPerFold))
	}
	file, err := os.Create(filepath.Join(dir, ScoresFileName(method)))
	if err != nil {
		return err
	}
	if err := writeScoresCSV(file, scoresPerFold, labelsPerFold); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func writeScoresCSV(w io.Writer, scoresPerFold [][]float64, labelsPerFold [][]int) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"fold", "index", "label", "score"}); err != nil {
		return err
	}
	for fold, scores := range scoresPerFold {
		if len(scores) != len(labelsPerFold[fold]) {
			return fmt.Errorf("fold %d has %d scores and %d labels", fold+1, len(scores), len(labelsPerFold[fold]))
		}
		for i, score := range scores {
			if err := writer.Write([]string{
				strconv.Itoa(fold + 1),
				strconv.Itoa(i),
				strconv.Itoa(labelsPerFold[fold][i]),
				strconv.FormatFloat(score, 'g', -1, 64),
			}); err != nil {
				return err
			}
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadScores(dir, method string) ([][]float64, [][]int, bool, error) {
	file, err := os.Open(filepath.Join(dir, ScoresFileName(method)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return [][]float64{}, [][]int{}, true, nil
		}
		return nil, nil, false, err
	}
	if len(header) < 4 {
		return nil, nil, false, fmt.Errorf("scores header must have at least 4 columns")
	}

	var scores [][]float64
	var labels [][]int
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, false, err
		}
		if len(record) < 4 {
			return nil, nil, false, fmt.Errorf("scores row must have at least 4 columns")
		}
		fold, err := strconv.Atoi(record[0])
		if err != nil {
			return nil, nil, false, err
		}
		label, err := strconv.Atoi(record[2])
		if err != nil {
			return nil, nil, false, err
		}
		score, err := strconv.ParseFloat(record[3], 64)
		if err != nil {
			return nil, nil, false, err
		}
		if fold < 1 || fold > len(scores)+1 {
			return nil, nil, false, fmt.Errorf("scores row has out of order fold %d", fold)
		}
		if fold == len(scores)+1 {
			scores = append(scores, nil)
			labels = append(labels, nil)
		}
		scores[fold-1] = append(scores[fold-1], score)
		labels[fold-1] = append(labels[fold-1], label)
	}
	return scores, labels, true, nil
}

// ExportRun copies a run's report and score files into outDir/<run id>.
func ExportRun(srcDir, method, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}
	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}
	if err := copyFile(filepath.Join(srcDir, ReportFileName(method)), filepath.Join(dst, ReportFileName(method))); err != nil {
		return "", err
	}
	scoresPath := filepath.Join(srcDir, ScoresFileName(method))
	if _, err := os.Stat(scoresPath); err == nil {
		if err := copyFile(scoresPath, filepath.Join(dst, ScoresFileName(method))); err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	return dst, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
