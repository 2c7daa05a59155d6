// Package anomaly scores per-device activity against a pre-trained
// isolation forest and raises alerts for outliers.
package anomaly

import (
	"encoding/json"
	"math"
	"os"

	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
)

// Severity ladder over the decision score. More negative is more
// anomalous; scores at or above the low threshold are normal.
const (
	highThreshold   = -0.6
	mediumThreshold = -0.5
	lowThreshold    = -0.4
)

const eulerGamma = 0.5772156649

// treeNodes holds one isolation tree as parallel arrays. Node i is a
// leaf when Feature[i] < 0, holding Size[i] training samples; otherwise
// it splits on Feature[i] at Threshold[i] into Left[i] and Right[i].
type treeNodes struct {
	Feature   []int     `json:"feature"`
	Threshold []float64 `json:"threshold"`
	Left      []int     `json:"left"`
	Right     []int     `json:"right"`
	Size      []int     `json:"size"`
}

type scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

type artifact struct {
	Version      int         `json:"version"`
	FeatureNames []string    `json:"feature_names"`
	Scaler       scaler      `json:"scaler"`
	Subsample    int         `json:"subsample"`
	Offset       float64     `json:"offset"`
	Trees        []treeNodes `json:"trees"`
}

// Model scores feature maps against the loaded artifact. All state is
// read-only after load, so one Model serves concurrent callers.
type Model struct {
	art artifact
}

// LoadModel reads and validates a scoring artifact.
func LoadModel(path string) (*Model, error) {
	const op = "anomaly.load_model"

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Fatal(op, err)
	}
	var art artifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, errors.Fatal(op, err)
	}
	if err := validateArtifact(&art); err != nil {
		return nil, err
	}
	if art.Subsample <= 1 {
		art.Subsample = 256
	}
	return &Model{art: art}, nil
}

func validateArtifact(art *artifact) error {
	const op = "anomaly.load_model"

	if len(art.FeatureNames) == 0 {
		return errors.New(errors.KindFatal, op, "artifact lists no features")
	}
	if len(art.Trees) == 0 {
		return errors.New(errors.KindFatal, op, "artifact holds no trees")
	}
	if len(art.Scaler.Mean) != len(art.FeatureNames) || len(art.Scaler.Scale) != len(art.FeatureNames) {
		return errors.Newf(errors.KindFatal, op,
			"scaler covers %d/%d values for %d features",
			len(art.Scaler.Mean), len(art.Scaler.Scale), len(art.FeatureNames))
	}
	for ti, t := range art.Trees {
		n := len(t.Feature)
		if len(t.Threshold) != n || len(t.Left) != n || len(t.Right) != n || len(t.Size) != n {
			return errors.Newf(errors.KindFatal, op, "tree %d has ragged node arrays", ti)
		}
		for i := 0; i < n; i++ {
			if t.Feature[i] < 0 {
				continue
			}
			if t.Feature[i] >= len(art.FeatureNames) {
				return errors.Newf(errors.KindFatal, op, "tree %d node %d splits on unknown feature %d", ti, i, t.Feature[i])
			}
			// Children must point forward, so traversal terminates.
			if t.Left[i] <= i || t.Left[i] >= n || t.Right[i] <= i || t.Right[i] >= n {
				return errors.Newf(errors.KindFatal, op, "tree %d node %d has invalid children", ti, i)
			}
		}
	}
	return nil
}

// FeatureNames returns the feature order the artifact was trained on.
func (m *Model) FeatureNames() []string {
	out := make([]string, len(m.art.FeatureNames))
	copy(out, m.art.FeatureNames)
	return out
}

// Predict scales the named features and scores them through the forest.
// It reports whether the sample is anomalous, the decision score, and
// the mapped severity (empty when normal). Missing features scale from
// zero, matching how absent telemetry is aggregated.
func (m *Model) Predict(features map[string]float64) (bool, float64, models.Severity) {
	x := make([]float64, len(m.art.FeatureNames))
	for i, name := range m.art.FeatureNames {
		scale := m.art.Scaler.Scale[i]
		if scale == 0 {
			scale = 1
		}
		x[i] = (features[name] - m.art.Scaler.Mean[i]) / scale
	}
	score := m.decisionScore(x)
	switch {
	case score < highThreshold:
		return true, score, models.SeverityHigh
	case score < mediumThreshold:
		return true, score, models.SeverityMedium
	case score < lowThreshold:
		return true, score, models.SeverityLow
	default:
		return false, score, ""
	}
}

// decisionScore is the standard isolation forest decision function:
// shorter average isolation paths mean more anomalous, mapped into
// negative territory after the trained offset.
func (m *Model) decisionScore(x []float64) float64 {
	total := 0.0
	for i := range m.art.Trees {
		total += m.art.Trees[i].pathLength(x)
	}
	avg := total / float64(len(m.art.Trees))
	scoreSamples := -math.Exp2(-avg / avgPathLength(float64(m.art.Subsample)))
	return scoreSamples - m.art.Offset
}

func (t *treeNodes) pathLength(x []float64) float64 {
	node := 0
	depth := 0.0
	for t.Feature[node] >= 0 {
		if x[t.Feature[node]] <= t.Threshold[node] {
			node = t.Left[node]
		} else {
			node = t.Right[node]
		}
		depth++
	}
	return depth + avgPathLength(float64(t.Size[node]))
}

// avgPathLength is the expected unsuccessful-search depth in a binary
// search tree of n samples, the isolation forest path normalizer.
func avgPathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
}
