package embedding

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
)

// LowSNRThreshold is the signal-to-noise ratio (dB) below which scores are damped.
const LowSNRThreshold = 15.0

// ErrEmptyEmbeddings is returned by AverageEmbeddings for an empty input.
var ErrEmptyEmbeddings = errors.New("cannot average empty list of embeddings")

// CosineSimilarity returns the cosine of the angle between a and b, clamped to [-1, 1].
// A zero-norm vector yields 0.
func CosineSimilarity(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("embedding dimensions don't match: %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		slog.Warn("embedding.CosineSimilarity: zero norm embedding")
		return 0, nil
	}
	return clamp(dot/(math.Sqrt(na)*math.Sqrt(nb)), -1, 1), nil
}

// SimilarityToAnomaly maps similarity to an anomaly score in [0, 1]; identical voices score 0.
func SimilarityToAnomaly(similarity float64) float64 {
	return clamp(1-similarity, 0, 1)
}

// ApplyNoiseNormalization damps the score for noisy audio: at 0 dB it is reduced by 25%,
// at LowSNRThreshold and above it is unchanged.
func ApplyNoiseNormalization(score, snr float64) float64 {
	if snr >= LowSNRThreshold {
		return score
	}
	factor := 0.25 * (LowSNRThreshold - snr) / LowSNRThreshold
	return math.Max(0, score-score*factor)
}

// ApplyTimeCompensation reduces the score by 8% for morning calls (06-09h) and 6% for
// evening calls (18-21h). A nil hour leaves the score unchanged.
func ApplyTimeCompensation(score float64, hour *int) float64 {
	if hour == nil {
		return score
	}
	switch h := *hour; {
	case h >= 6 && h <= 9:
		return math.Max(0, score-score*0.08)
	case h >= 18 && h <= 21:
		return math.Max(0, score-score*0.06)
	default:
		return score
	}
}

// AverageEmbeddings returns the unit-normalized mean of vectors.
func AverageEmbeddings(vectors [][]float64) ([]float64, error) {
	if len(vectors) == 0 {
		return nil, ErrEmptyEmbeddings
	}
	dim := len(vectors[0])
	out := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("embedding dimensions don't match: %d vs %d", dim, len(v))
		}
		for i, x := range v {
			out[i] += x
		}
	}
	var norm float64
	for i := range out {
		out[i] /= float64(len(vectors))
		norm += out[i] * out[i]
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range out {
			out[i] /= norm
		}
	}
	return out, nil
}

// Score runs the full comparison pipeline used by both the remote service and LocalComparer.
func Score(baseline, current []float64, snr float64, hour *int) (Comparison, error) {
	sim, err := CosineSimilarity(baseline, current)
	if err != nil {
		return Comparison{}, err
	}
	normalized := ApplyTimeCompensation(ApplyNoiseNormalization(SimilarityToAnomaly(sim), snr), hour)
	return Comparison{Score: normalized, RawSimilarity: sim, Normalized: normalized, SNR: snr}, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
