package ai

import (
	"regexp"
	"strconv"
)

// ScoreMarker is the literal the scoring model is instructed to prefix its score with.
const ScoreMarker = "spanda_score"

// MaxCriterionScore is the upper bound of a single criterion score.
const MaxCriterionScore = 5.0

var scorePattern = regexp.MustCompile(`(?i)` + ScoreMarker + `\s*:\s*(?:\*{1,2}\s*)?(\d+(?:\.\d+)?)\s*(?:\*{1,2})?`)

// ExtractScore pulls the numeric score out of free-form scoring output. Missing
// or unparseable scores degrade to 0; values above MaxCriterionScore are capped.
func ExtractScore(text string) float64 {
	match := scorePattern.FindStringSubmatch(text)
	if len(match) < 2 {
		return 0
	}

	score, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0
	}
	if score > MaxCriterionScore {
		return MaxCriterionScore
	}
	return score
}
