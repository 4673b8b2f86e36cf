package ai

import (
	"context"
	"errors"
)

// ModelRole selects which configured model serves a prompt.
type ModelRole string

const (
	// RoleAnalysis produces the long-form criterion critique that is streamed to clients.
	RoleAnalysis ModelRole = "analysis"
	// RoleScoring turns a finished critique into a single numeric score.
	RoleScoring ModelRole = "scoring"
)

// ErrEmptyResponse is returned when the model answers without any content.
var ErrEmptyResponse = errors.New("model returned no content")

// Prompt is a single system/user exchange sent to a model.
type Prompt struct {
	Role   ModelRole
	System string
	User   string
}

// ChunkStream yields generated text incrementally. Recv returns io.EOF once the
// model has finished.
type ChunkStream interface {
	Recv() (string, error)
	Close() error
}

// Generator is the boundary to the generative model.
type Generator interface {
	Stream(ctx context.Context, prompt Prompt) (ChunkStream, error)
	Complete(ctx context.Context, prompt Prompt) (string, error)
}
