package embedding

import (
	"math"
	"testing"
)

const eps = 1e-9

func almostEqual(a, b float64) bool { return math.Abs(a-b) < eps }

func intPtr(i int) *int { return &i }

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1},
		{"zero norm", []float64{0, 0}, []float64{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !almostEqual(got, tt.want) {
				t.Errorf("CosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := CosineSimilarity([]float64{1}, []float64{1, 2}); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestSimilarityToAnomaly(t *testing.T) {
	for sim, want := range map[float64]float64{1: 0, 0: 1, -1: 1, 0.75: 0.25} {
		if got := SimilarityToAnomaly(sim); !almostEqual(got, want) {
			t.Errorf("SimilarityToAnomaly(%v) = %v, want %v", sim, got, want)
		}
	}
}

func TestApplyNoiseNormalization(t *testing.T) {
	if got := ApplyNoiseNormalization(0.4, 20); got != 0.4 {
		t.Errorf("clean audio should be unchanged, got %v", got)
	}
	if got := ApplyNoiseNormalization(0.4, 0); !almostEqual(got, 0.3) {
		t.Errorf("0 dB should reduce by 25%%, got %v", got)
	}
	if got := ApplyNoiseNormalization(0.4, 7.5); !almostEqual(got, 0.35) {
		t.Errorf("7.5 dB should reduce by 12.5%%, got %v", got)
	}
}

func TestApplyTimeCompensation(t *testing.T) {
	tests := []struct {
		hour *int
		want float64
	}{
		{nil, 0.5},
		{intPtr(7), 0.46},
		{intPtr(20), 0.47},
		{intPtr(13), 0.5},
	}
	for _, tt := range tests {
		if got := ApplyTimeCompensation(0.5, tt.hour); !almostEqual(got, tt.want) {
			t.Errorf("ApplyTimeCompensation(0.5, %v) = %v, want %v", tt.hour, got, tt.want)
		}
	}
}

func TestAverageEmbeddings(t *testing.T) {
	avg, err := AverageEmbeddings([][]float64{{2, 0}, {0, 2}})
	if err != nil {
		t.Fatalf("AverageEmbeddings failed: %v", err)
	}
	want := 1 / math.Sqrt2
	if !almostEqual(avg[0], want) || !almostEqual(avg[1], want) {
		t.Errorf("AverageEmbeddings = %v, want unit vector", avg)
	}
	if _, err := AverageEmbeddings(nil); err != ErrEmptyEmbeddings {
		t.Errorf("expected ErrEmptyEmbeddings, got %v", err)
	}
}

func TestScore_SelfComparison(t *testing.T) {
	v := []float64{0.3, -0.2, 0.9, 0.1}
	got, err := Score(v, v, 25, nil)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if !almostEqual(got.RawSimilarity, 1) || got.Score != 0 {
		t.Errorf("self comparison = %+v, want similarity 1 and score 0", got)
	}
}
