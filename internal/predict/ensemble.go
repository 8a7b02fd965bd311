package predict

import (
	"sort"

	"github.com/Brownie44l1/food-classifier/internal/model"
)

// tally accumulates scores per label, remembering first-seen order.
type tally struct {
	order []string
	sum   map[string]float64
}

func newTally() *tally { return &tally{sum: make(map[string]float64)} }

func (t *tally) add(label string, v float64) {
	if _, ok := t.sum[label]; !ok {
		t.order = append(t.order, label)
	}
	t.sum[label] += v
}

// best returns the highest sum; earlier labels win ties.
func (t *tally) best() (string, float64) {
	var label string
	var top float64
	for i, l := range t.order {
		if i == 0 || t.sum[l] > top {
			label, top = l, t.sum[l]
		}
	}
	return label, top
}

// Combine merges per-image results by confidence-weighted voting. At least
// half of the images must pass their own gate for a label to be reported.
func Combine(results []*model.PredictionResult) *model.EnsembleResult {
	n := len(results)
	out := &model.EnsembleResult{ImageCount: n, PerImage: results}
	if n == 0 {
		out.Label = model.Unknown
		return out
	}

	valid := newTally()
	raw := newTally()
	var total float64
	for _, r := range results {
		total += r.Confidence
		raw.add(r.RawLabel, r.Confidence)
		out.Distributions += r.Distributions
		if r.Valid {
			out.ValidCount++
			valid.add(r.Label, r.Confidence)
		}
	}
	out.RawLabel, _ = raw.best()

	out.Quorum = out.ValidCount >= (n+1)/2
	if out.Quorum {
		label, sum := valid.best()
		out.Label = label
		out.Confidence = sum / float64(out.ValidCount)
		out.Valid = true
	} else {
		out.Label = model.Unknown
		out.Confidence = total / float64(n)
	}

	out.Top3 = consensus(results, 3, func(r *model.PredictionResult) []model.LabelScore { return r.Top3 })
	out.Top5 = consensus(results, 5, func(r *model.PredictionResult) []model.LabelScore { return r.Top5 })
	return out
}

// consensus ranks labels by their summed score over every image, divided by
// the image count, and keeps the first k.
func consensus(results []*model.PredictionResult, k int, scores func(*model.PredictionResult) []model.LabelScore) []model.LabelScore {
	t := newTally()
	for _, r := range results {
		for _, s := range scores(r) {
			t.add(s.Label, s.Confidence)
		}
	}
	ranked := append([]string(nil), t.order...)
	sort.SliceStable(ranked, func(a, b int) bool { return t.sum[ranked[a]] > t.sum[ranked[b]] })
	var out []model.LabelScore
	for _, l := range ranked[:min(k, len(ranked))] {
		out = append(out, model.LabelScore{Label: l, Confidence: t.sum[l] / float64(len(results))})
	}
	return out
}
