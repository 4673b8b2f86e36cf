package dto

import "encoding/json"

// Event types sent from the server on evaluation and notification channels.
const (
	EventMetadata          = "metadata"
	EventCriterionStart    = "criterion_start"
	EventAnalysisChunk     = "analysis_chunk"
	EventCriterionComplete = "criterion_complete"
	EventComplete          = "complete"
	EventError             = "error"
	EventQueueStatus       = "queue_status"
	EventReconnect         = "reconnect"
)

// Event is the envelope for every server to client evaluation message.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// MetadataData echoes the session context.
type MetadataData struct {
	Name   string `json:"name"`
	Degree string `json:"degree"`
	Topic  string `json:"topic"`
}

// CriterionStartData announces the criterion being evaluated.
type CriterionStartData struct {
	Criterion string `json:"criterion"`
}

// AnalysisChunkData carries one streamed fragment of a criterion analysis.
type AnalysisChunkData struct {
	Criterion string `json:"criterion"`
	Chunk     string `json:"chunk"`
}

// CriterionCompleteData carries the final text and score of a criterion.
type CriterionCompleteData struct {
	Criterion    string  `json:"criterion"`
	Score        float64 `json:"score"`
	FullAnalysis string  `json:"full_analysis"`
}

// CriterionResult is the evaluation of one criterion.
type CriterionResult struct {
	Feedback string  `json:"feedback"`
	Score    float64 `json:"score"`
}

// CriterionEvaluation is one named criterion result.
type CriterionEvaluation struct {
	Criterion string
	Result    CriterionResult
}

// CriteriaEvaluations is encoded as a JSON object keyed by criterion, in
// rubric order.
type CriteriaEvaluations []CriterionEvaluation

// MarshalJSON writes the results as an object in rubric order.
func (c CriteriaEvaluations) MarshalJSON() ([]byte, error) {
	return marshalOrderedObject(len(c), func(i int) (string, interface{}) {
		return c[i].Criterion, c[i].Result
	})
}

// UnmarshalJSON keeps the key order of the source object.
func (c *CriteriaEvaluations) UnmarshalJSON(data []byte) error {
	entries := make(CriteriaEvaluations, 0)
	err := decodeOrderedObject(data, "criteria_evaluations", func(name string, decoder *json.Decoder) error {
		var result CriterionResult
		if err := decoder.Decode(&result); err != nil {
			return err
		}
		entries = append(entries, CriterionEvaluation{Criterion: name, Result: result})
		return nil
	})
	if err != nil {
		return err
	}
	*c = entries
	return nil
}

// Get returns the result recorded for criterion.
func (c CriteriaEvaluations) Get(criterion string) (CriterionResult, bool) {
	for _, entry := range c {
		if entry.Criterion == criterion {
			return entry.Result, true
		}
	}
	return CriterionResult{}, false
}

// CompleteData is the final aggregate of a session.
type CompleteData struct {
	CriteriaEvaluations CriteriaEvaluations `json:"criteria_evaluations"`
	TotalScore          float64             `json:"total_score"`
	Name                string              `json:"name"`
	Degree              string              `json:"degree"`
	Topic               string              `json:"topic"`
}

// ErrorData describes a failure. Criterion is set when a criterion failed.
type ErrorData struct {
	Message   string `json:"message"`
	Criterion string `json:"criterion,omitempty"`
}

// QueueStatusData tells an overflowed client which session id to wait on.
type QueueStatusData struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// ReconnectEvent is pushed on the notification channel when a queued session is ready.
type ReconnectEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// NewEvent wraps data in an envelope.
func NewEvent(eventType string, data interface{}) Event {
	return Event{Type: eventType, Data: data}
}

// NewErrorEvent builds an error envelope.
func NewErrorEvent(message, criterion string) Event {
	return Event{Type: EventError, Data: ErrorData{Message: message, Criterion: criterion}}
}
