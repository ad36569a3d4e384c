package stats

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"layerguard/internal/model"
)

// DefaultFPRTargets are the false positive rates the report reads TPR at.
var DefaultFPRTargets = []float64{0.01, 0.05, 0.10}

// Metrics summarizes one scored sample set. Labels are 1 for attack and 0 for
// clean; larger scores mean more anomalous.
type Metrics struct {
	AUC              float64   `json:"auc"`
	AveragePrecision float64   `json:"average_precision"`
	TPRAtFPR         []float64 `json:"tpr_at_fpr"`
	Positives        int       `json:"positives"`
	Negatives        int       `json:"negatives"`
}

type curve struct {
	tpr, fpr []float64
}

func rocCurve(scores []float64, labels []int) (curve, int, int, error) {
	if len(scores) != len(labels) {
		return curve{}, 0, 0, fmt.Errorf("%w: %d scores, %d labels", model.ErrLengthMismatch, len(scores), len(labels))
	}
	y := append([]float64(nil), scores...)
	classes := make([]bool, len(labels))
	var pos, neg int
	for i, label := range labels {
		switch label {
		case 1:
			classes[i] = true
			pos++
		case 0:
			neg++
		default:
			return curve{}, 0, 0, fmt.Errorf("label %d at index %d is not binary", label, i)
		}
	}
	if pos == 0 || neg == 0 {
		return curve{}, pos, neg, fmt.Errorf("metrics need both classes: positives=%d negatives=%d", pos, neg)
	}
	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return curve{tpr: tpr, fpr: fpr}, pos, neg, nil
}

// AUC returns the area under the ROC curve.
func AUC(scores []float64, labels []int) (float64, error) {
	c, _, _, err := rocCurve(scores, labels)
	if err != nil {
		return 0, err
	}
	return integrate.Trapezoidal(c.fpr, c.tpr), nil
}

// AveragePrecision is Σ (Rₙ - Rₙ₋₁) Pₙ over descending score thresholds, with
// tied scores treated as one threshold.
func AveragePrecision(scores []float64, labels []int) (float64, error) {
	if len(scores) != len(labels) {
		return 0, fmt.Errorf("%w: %d scores, %d labels", model.ErrLengthMismatch, len(scores), len(labels))
	}
	order := make([]int, len(scores))
	pos := 0
	for i := range order {
		order[i] = i
		if labels[i] == 1 {
			pos++
		}
	}
	if pos == 0 {
		return 0, fmt.Errorf("average precision needs at least one positive")
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	ap, prevRecall := 0.0, 0.0
	tp, seen := 0, 0
	for i := 0; i < len(order); {
		j := i
		for j < len(order) && scores[order[j]] == scores[order[i]] {
			if labels[order[j]] == 1 {
				tp++
			}
			seen++
			j++
		}
		recall := float64(tp) / float64(pos)
		precision := float64(tp) / float64(seen)
		ap += (recall - prevRecall) * precision
		prevRecall = recall
		i = j
	}
	return ap, nil
}

// Evaluate computes AUC, average precision and the TPR at each FPR target.
func Evaluate(scores []float64, labels []int, fprTargets []float64) (Metrics, error) {
	c, pos, neg, err := rocCurve(scores, labels)
	if err != nil {
		return Metrics{}, err
	}
	ap, err := AveragePrecision(scores, labels)
	if err != nil {
		return Metrics{}, err
	}
	m := Metrics{
		AUC:              integrate.Trapezoidal(c.fpr, c.tpr),
		AveragePrecision: ap,
		TPRAtFPR:         make([]float64, len(fprTargets)),
		Positives:        pos,
		Negatives:        neg,
	}
	for i, target := range fprTargets {
		best := 0.0
		for k := range c.fpr {
			if c.fpr[k] <= target && c.tpr[k] > best {
				best = c.tpr[k]
			}
		}
		m.TPRAtFPR[i] = best
	}
	return m, nil
}
