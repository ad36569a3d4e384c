package stats

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestBuildWriteReadReport(t *testing.T) {
	dir := t.TempDir()
	s1, l1 := separatedFold(40, 40)
	s2, l2 := separatedFold(30, 50)

	report, err := BuildReport("run-1", "proposed", [][]float64{s1, s2}, [][]int{l1, l2}, SweepOptions{MaxProportion: 0.5, Seed: 1})
	if err != nil {
		t.Fatalf("build report: %v", err)
	}
	report.CreatedAtUTC = "2026-01-02T03:04:05Z"
	if len(report.Proportions) != DefaultNumProportions || len(report.Overall) != 2 {
		t.Fatalf("unexpected report shape: %d proportions, %d folds", len(report.Proportions), len(report.Overall))
	}
	if _, ok := report.Proportions[ProportionKey(0.5)]; !ok {
		t.Fatalf("expected key %s in report", ProportionKey(0.5))
	}

	path, err := WriteReport(dir, report)
	if err != nil {
		t.Fatalf("write report: %v", err)
	}
	if filepath.Base(path) != "detection_metrics_proposed.json" {
		t.Fatalf("unexpected report path %s", path)
	}
	loaded, ok, err := ReadReport(dir, "proposed")
	if err != nil || !ok {
		t.Fatalf("read report: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(report, loaded) {
		t.Fatal("report changed across write/read")
	}
	sorted := loaded.SortedProportions()
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Proportion <= sorted[i-1].Proportion {
			t.Fatal("expected ascending proportions")
		}
	}

	if _, ok, err := ReadReport(dir, "lid"); err != nil || ok {
		t.Fatalf("expected missing report, ok=%v err=%v", ok, err)
	}
	if _, err := BuildReport("", "proposed", [][]float64{s1}, [][]int{l1}, SweepOptions{MaxProportion: 0.5}); err == nil {
		t.Fatal("expected error for empty run id")
	}
}

func TestScoresRoundTripAndExport(t *testing.T) {
	dir := t.TempDir()
	scores := [][]float64{{0.1, 0.9}, {0.25, -1e-9, 3}}
	labels := [][]int{{0, 1}, {0, 0, 1}}
	if err := WriteScores(dir, "lid", scores, labels); err != nil {
		t.Fatalf("write scores: %v", err)
	}
	gotScores, gotLabels, ok, err := ReadScores(dir, "lid")
	if err != nil || !ok {
		t.Fatalf("read scores: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(scores, gotScores) || !reflect.DeepEqual(labels, gotLabels) {
		t.Fatalf("scores changed across write/read: %v %v", gotScores, gotLabels)
	}

	report, err := BuildReport("run-2", "lid", [][]float64{{0.1, 0.9}}, [][]int{{0, 1}}, SweepOptions{MaxProportion: 0.5})
	if err != nil {
		t.Fatalf("build report: %v", err)
	}
	if _, err := WriteReport(dir, report); err != nil {
		t.Fatalf("write report: %v", err)
	}
	exported, err := ExportRun(dir, "lid", "run-2", filepath.Join(t.TempDir(), "exports"))
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	for _, file := range []string{ReportFileName("lid"), ScoresFileName("lid")} {
		if _, err := os.Stat(filepath.Join(exported, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}
}

func TestRunIndexOrdering(t *testing.T) {
	dir := t.TempDir()
	entries := []RunIndexEntry{
		{RunID: "a", Method: "lid", CreatedAtUTC: "2026-01-01T00:00:00Z"},
		{RunID: "b", Method: "lid", CreatedAtUTC: "2026-01-03T00:00:00Z"},
		{RunID: "c", Method: "lid", CreatedAtUTC: "2026-01-03T00:00:00Z"},
	}
	for _, e := range entries {
		if err := AppendRunIndex(dir, e); err != nil {
			t.Fatalf("append %s: %v", e.RunID, err)
		}
	}
	if err := AppendRunIndex(dir, RunIndexEntry{RunID: "a", Method: "dknn", CreatedAtUTC: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("replace a: %v", err)
	}
	index, err := ListRunIndex(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, e := range index {
		ids = append(ids, e.RunID)
	}
	if !reflect.DeepEqual(ids, []string{"c", "b", "a"}) {
		t.Fatalf("unexpected order %v", ids)
	}
	if index[2].Method != "dknn" {
		t.Fatalf("expected replaced entry, got %+v", index[2])
	}
	if err := AppendRunIndex(dir, RunIndexEntry{}); err == nil {
		t.Fatal("expected error for empty run id")
	}
}

func TestWriteScoresErrors(t *testing.T) {
	dir := t.TempDir()
	if err := WriteScores(dir, "lid", [][]float64{{0.1, 0.2}}, [][]int{{0}}); err == nil {
		t.Fatal("expected error for a fold with mismatched scores and labels")
	}
	if err := WriteScores(filepath.Join(dir, "missing"), "lid", [][]float64{{0.1}}, [][]int{{0}}); err == nil {
		t.Fatal("expected error for a missing directory")
	}
	if err := WriteScores(dir, "lid", [][]float64{{0.5}}, [][]int{{1}}); err != nil {
		t.Fatalf("rewrite after failure: %v", err)
	}
	gotScores, _, ok, err := ReadScores(dir, "lid")
	if err != nil || !ok || !reflect.DeepEqual(gotScores, [][]float64{{0.5}}) {
		t.Fatalf("unexpected scores after rewrite: %v ok=%v err=%v", gotScores, ok, err)
	}
}

func TestRunIndexKeepsAppendOrderForEqualTimestamps(t *testing.T) {
	dir := t.TempDir()
	list := func() string {
		t.Helper()
		index, err := ListRunIndex(dir)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		ids := ""
		for _, e := range index {
			ids += e.RunID
		}
		return ids
	}
	for _, id := range []string{"b", "c"} {
		if err := AppendRunIndex(dir, RunIndexEntry{RunID: id, Method: "lid", CreatedAtUTC: "2026-02-01T00:00:00Z"}); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	if got := list(); got != "cb" {
		t.Fatalf("expected newest append first, got %s", got)
	}
	if err := AppendRunIndex(dir, RunIndexEntry{RunID: "x", Method: "lid", CreatedAtUTC: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("append x: %v", err)
	}
	if got := list(); got != "cbx" {
		t.Fatalf("appending an older run reordered tied entries: %s", got)
	}
}
