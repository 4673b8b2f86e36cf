package ai

import "strings"

// CriterionInput carries everything needed to analyse and score one rubric criterion.
type CriterionInput struct {
	Criterion          string
	Explanation        string
	OutputInstructions string
	ScoreGuidelines    string
	Author             string
	Degree             string
	Topic              string
	Summary            string
	ExpertFeedback     string
}

const analysisSystemPrompt = "You are an impartial academic evaluator with deep experience reviewing dissertations. " +
	"You receive a summarised dissertation and assess its quality against one evaluation criterion at a time."

const scoringSystemPrompt = "You are a precise scoring agent that grades one dissertation criterion at a time. " +
	"Match the supplied analysis against the scoring guidelines and assign a score from 0 to 5. " +
	"Use only the given analysis, follow the guidelines exactly and do not justify the score."

// AnalysisPrompt builds the streaming critique prompt for a criterion.
func AnalysisPrompt(input CriterionInput) Prompt {
	builder := strings.Builder{}
	builder.WriteString("# Input Materials\n## Dissertation Text\n")
	builder.WriteString(input.Summary)
	builder.WriteString("\n\n## Evaluation Context\n- Author: ")
	builder.WriteString(input.Author)
	builder.WriteString("\n- Academic Field: ")
	builder.WriteString(input.Degree)
	if input.Topic != "" {
		builder.WriteString("\n- Topic: ")
		builder.WriteString(input.Topic)
	}
	builder.WriteString("\n\n## Assessment Criterion\n### ")
	builder.WriteString(input.Criterion)
	builder.WriteString("\n#### Explanation: ")
	builder.WriteString(input.Explanation)
	builder.WriteString("\n\n")
	builder.WriteString(input.OutputInstructions)
	builder.WriteString("\n\nCritique the work thoroughly and list every improvement that could be made.")
	builder.WriteString("\nDo not score the dissertation. Provide only the detailed analysis.")
	writeExpertFeedback(&builder, input.ExpertFeedback)

	return Prompt{
		Role:   RoleAnalysis,
		System: analysisSystemPrompt,
		User:   builder.String(),
	}
}

// ScoringPrompt builds the prompt that converts a finished analysis into a score line.
func ScoringPrompt(input CriterionInput, analysis string) Prompt {
	builder := strings.Builder{}
	builder.WriteString("# Score the following analysis\n\n- Analysis: ")
	builder.WriteString(analysis)
	builder.WriteString("\n\n- Explanation of ")
	builder.WriteString(input.Criterion)
	builder.WriteString(": ")
	builder.WriteString(input.Explanation)
	builder.WriteString("\n\n- Scoring guidelines for ")
	builder.WriteString(input.Criterion)
	builder.WriteString(": ")
	builder.WriteString(input.ScoreGuidelines)
	builder.WriteString("\n\nScore only the criterion ")
	builder.WriteString(input.Criterion)
	builder.WriteString(" and be critical.")
	writeExpertFeedback(&builder, input.ExpertFeedback)
	builder.WriteString("\n\nRequired output format, exactly one line without extra formatting:\n")
	builder.WriteString(ScoreMarker)
	builder.WriteString(": <score out of 5>")

	return Prompt{
		Role:   RoleScoring,
		System: scoringSystemPrompt,
		User:   builder.String(),
	}
}

func writeExpertFeedback(builder *strings.Builder, feedback string) {
	if strings.TrimSpace(feedback) == "" {
		return
	}
	builder.WriteString("\n\nIMPORTANT: an expert reviewer provided the following feedback. Follow it closely in your evaluation: ")
	builder.WriteString(feedback)
}
