// Package mood classifies how a patient sounded on a call from the call transcript.
//
// The analyzer is pluggable. KeywordAnalyzer is a deterministic lexical heuristic and
// GenAIAnalyzer asks a chat model, falling back to the keyword heuristic on any error.
package mood

import (
	"context"
	"strings"
	"unicode"

	"github.com/BTreeMap/CareCall/internal/models"
)

// Result is a mood classification. Mood is nil when the call was not answered;
// a missed call never counts as a bad mood.
type Result struct {
	Mood       *models.Mood `json:"mood"`
	Score      float64      `json:"score"`
	Confidence float64      `json:"confidence"`
}

// Analyzer classifies a transcript.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string, answered bool) (Result, error)
}

// Score boundaries between bad, neutral and good.
const (
	GoodThreshold = 0.6
	BadThreshold  = 0.4
)

var positiveWords = map[string]struct{}{
	"good": {}, "great": {}, "fine": {}, "well": {}, "happy": {}, "wonderful": {}, "better": {},
	"rested": {}, "excellent": {}, "okay": {}, "ok": {}, "nice": {}, "lovely": {}, "glad": {},
	"energetic": {}, "cheerful": {}, "comfortable": {},
}

var negativeWords = map[string]struct{}{
	"bad": {}, "sad": {}, "tired": {}, "pain": {}, "hurt": {}, "hurts": {}, "sick": {}, "lonely": {},
	"terrible": {}, "awful": {}, "worse": {}, "dizzy": {}, "fell": {}, "fall": {}, "worried": {},
	"anxious": {}, "depressed": {}, "exhausted": {}, "nausea": {}, "ache": {}, "aching": {},
}

var negators = map[string]struct{}{
	"not": {}, "no": {}, "never": {}, "don't": {}, "didn't": {}, "isn't": {}, "wasn't": {}, "hardly": {},
}

// ComputeMoodFromTranscript runs the keyword heuristic. An unanswered call or an empty
// transcript yields {nil, 0.5, 0}.
func ComputeMoodFromTranscript(transcript string, answered bool) Result {
	transcript = strings.TrimSpace(transcript)
	if !answered || transcript == "" {
		return Result{Mood: nil, Score: 0.5, Confidence: 0}
	}

	words := strings.FieldsFunc(strings.ToLower(transcript), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	var pos, neg int
	for i, w := range words {
		negated := i > 0 && isNegator(words[i-1])
		if _, ok := positiveWords[w]; ok {
			if negated {
				neg++
			} else {
				pos++
			}
			continue
		}
		if _, ok := negativeWords[w]; ok {
			if negated {
				pos++
			} else {
				neg++
			}
		}
	}

	total := pos + neg
	// Laplace smoothing keeps a single hit from saturating the score.
	score := float64(pos+1) / float64(total+2)
	confidence := float64(total) / 5
	if confidence > 1 {
		confidence = 1
	}
	if total == 0 {
		confidence = 0.2
	}
	m := Classify(score)
	return Result{Mood: &m, Score: score, Confidence: confidence}
}

// Classify maps a score in [0,1] to a mood.
func Classify(score float64) models.Mood {
	switch {
	case score >= GoodThreshold:
		return models.MoodGood
	case score <= BadThreshold:
		return models.MoodBad
	default:
		return models.MoodNeutral
	}
}

func isNegator(w string) bool {
	_, ok := negators[w]
	return ok
}

// KeywordAnalyzer is the default Analyzer.
type KeywordAnalyzer struct{}

// Analyze implements Analyzer.
func (KeywordAnalyzer) Analyze(_ context.Context, transcript string, answered bool) (Result, error) {
	return ComputeMoodFromTranscript(transcript, answered), nil
}
