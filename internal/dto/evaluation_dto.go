package dto

import (
	"encoding/json"
	"fmt"
)

// CriterionSpec is one rubric entry supplied by the caller.
type CriterionSpec struct {
	Explanation        string `json:"criteria_explanation"`
	OutputInstructions string `json:"criteria_output"`
	ScoreGuidelines    string `json:"score_explanation"`
}

// RubricEntry pairs a criterion name with its specification.
type RubricEntry struct {
	Name string `validate:"required,max=256"`
	Spec CriterionSpec
}

// Rubric is an ordered criterion mapping. It decodes from and encodes to a
// JSON object while keeping the key order of the source document.
type Rubric []RubricEntry

// UnmarshalJSON reads the rubric object key by key so that criteria are
// evaluated in the order the caller wrote them.
func (r *Rubric) UnmarshalJSON(data []byte) error {
	entries := make(Rubric, 0)
	seen := make(map[string]int)

	err := decodeOrderedObject(data, "rubric", func(name string, decoder *json.Decoder) error {
		var spec CriterionSpec
		if err := decoder.Decode(&spec); err != nil {
			return fmt.Errorf("rubric criterion %q: %w", name, err)
		}

		// Later duplicates win, as with a plain object decode, but keep the first position.
		if idx, exists := seen[name]; exists {
			entries[idx].Spec = spec
			return nil
		}
		seen[name] = len(entries)
		entries = append(entries, RubricEntry{Name: name, Spec: spec})
		return nil
	})
	if err != nil {
		return err
	}

	*r = entries
	return nil
}

// MarshalJSON writes the rubric back as an object in its stored order.
func (r Rubric) MarshalJSON() ([]byte, error) {
	return marshalOrderedObject(len(r), func(i int) (string, interface{}) {
		return r[i].Name, r[i].Spec
	})
}

// Names returns criterion names in rubric order.
func (r Rubric) Names() []string {
	names := make([]string, 0, len(r))
	for _, entry := range r {
		names = append(names, entry.Name)
	}
	return names
}

// PreAnalysis carries the context extracted from the document upstream.
type PreAnalysis struct {
	Degree             string `json:"degree" validate:"max=512"`
	Name               string `json:"name" validate:"max=512"`
	Topic              string `json:"topic" validate:"max=2048"`
	PreAnalyzedSummary string `json:"pre_analyzed_summary" validate:"required"`
}

// Sentinel values reported by the pre-analysis extractor for missing fields.
const (
	NoDegreeFound = "no_degree_found"
	NoNameFound   = "no_name_found"
	NoTopicFound  = "no_topic_found"
)

// MissingFields lists every context field that carries a "not found" sentinel.
func (p PreAnalysis) MissingFields() []string {
	missing := make([]string, 0, 3)
	if p.Degree == NoDegreeFound {
		missing = append(missing, "degree")
	}
	if p.Name == NoNameFound {
		missing = append(missing, "name")
	}
	if p.Topic == NoTopicFound {
		missing = append(missing, "topic")
	}
	return missing
}

// EvaluationRequest is the payload a client sends when it opens an evaluation
// channel. Queued requests carry the same payload plus SessionID.
type EvaluationRequest struct {
	Rubric      Rubric      `json:"rubric" validate:"required,min=1,max=64,dive"`
	PreAnalysis PreAnalysis `json:"pre_analysis"`
	Feedback    *string     `json:"feedback,omitempty"`
	SessionID   string      `json:"session_id,omitempty" validate:"omitempty,max=128"`
}

// ExpertFeedback returns the optional feedback or an empty string.
func (r EvaluationRequest) ExpertFeedback() string {
	if r.Feedback == nil {
		return ""
	}
	return *r.Feedback
}
