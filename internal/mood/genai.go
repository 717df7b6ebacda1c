package mood

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CareCall/internal/models"
)

// jsonGenerator is the part of genai.Client the analyzer needs.
type jsonGenerator interface {
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, out interface{}) error
}

const moodSystemPrompt = `You classify the mood of an elderly patient from a wellness check-in call transcript.
Reply with a JSON object only: {"mood": "good" | "neutral" | "bad", "score": number between 0 and 1, "confidence": number between 0 and 1}.
A score near 1 means clearly positive, near 0 clearly negative.`

// maxTranscriptChars bounds the prompt size sent to the model.
const maxTranscriptChars = 6000

// GenAIAnalyzer classifies mood with a chat model.
type GenAIAnalyzer struct {
	gen      jsonGenerator
	fallback Analyzer
}

// NewGenAIAnalyzer creates an analyzer backed by gen. Model errors fall back to KeywordAnalyzer.
func NewGenAIAnalyzer(gen jsonGenerator) *GenAIAnalyzer {
	return &GenAIAnalyzer{gen: gen, fallback: KeywordAnalyzer{}}
}

type modelReply struct {
	Mood       string  `json:"mood"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Analyze implements Analyzer.
func (a *GenAIAnalyzer) Analyze(ctx context.Context, transcript string, answered bool) (Result, error) {
	transcript = strings.TrimSpace(transcript)
	if !answered || transcript == "" {
		return ComputeMoodFromTranscript(transcript, answered), nil
	}
	if len(transcript) > maxTranscriptChars {
		transcript = transcript[len(transcript)-maxTranscriptChars:]
	}

	var reply modelReply
	if err := a.gen.GenerateJSON(ctx, moodSystemPrompt, transcript, &reply); err != nil {
		slog.Warn("GenAIAnalyzer.Analyze: model failed, using keyword fallback", "error", err)
		return a.fallback.Analyze(ctx, transcript, answered)
	}
	m := models.Mood(strings.ToLower(strings.TrimSpace(reply.Mood)))
	if !models.IsValidMood(m) {
		slog.Warn("GenAIAnalyzer.Analyze: model returned unknown mood, using keyword fallback", "mood", reply.Mood)
		return a.fallback.Analyze(ctx, transcript, answered)
	}
	return Result{Mood: &m, Score: clamp01(reply.Score), Confidence: clamp01(reply.Confidence)}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
