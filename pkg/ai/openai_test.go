package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Seed     *int   `json:"seed"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newFakeOpenAIServer(t *testing.T, captured *[]capturedRequest) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))

		var req capturedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		*captured = append(*captured, req)

		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, chunk := range []string{"Strong ", "methodology", "."} {
				fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"model\":%q,\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", req.Model, chunk)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"2","object":"chat.completion","model":%q,"choices":[{"index":0,"message":{"role":"assistant","content":"  spanda_score: 4  "}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`, req.Model)
	}))
}

func TestOpenAIGeneratorStreamsDeltas(t *testing.T) {
	var captured []capturedRequest
	server := newFakeOpenAIServer(t, &captured)
	defer server.Close()

	generator, err := NewOpenAIGenerator(OpenAIConfig{
		BaseURL:       server.URL + "/v1",
		AnalysisModel: "analysis-model",
		ScoringModel:  "scoring-model",
		Seed:          42,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)

	stream, err := generator.Stream(context.Background(), Prompt{Role: RoleAnalysis, System: "sys", User: "user"})
	require.NoError(t, err)

	var chunks []string
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	require.NoError(t, stream.Close())

	require.Equal(t, []string{"Strong ", "methodology", "."}, chunks)
	require.Len(t, captured, 1)
	require.Equal(t, "analysis-model", captured[0].Model)
	require.True(t, captured[0].Stream)
	require.NotNil(t, captured[0].Seed)
	require.Equal(t, 42, *captured[0].Seed)
	require.Equal(t, "system", captured[0].Messages[0].Role)
	require.Equal(t, "user", captured[0].Messages[1].Content)
}

func TestOpenAIGeneratorCompleteUsesScoringModel(t *testing.T) {
	var captured []capturedRequest
	server := newFakeOpenAIServer(t, &captured)
	defer server.Close()

	generator, err := NewOpenAIGenerator(OpenAIConfig{
		BaseURL:       server.URL + "/v1/",
		AnalysisModel: "analysis-model",
		ScoringModel:  "scoring-model",
	})
	require.NoError(t, err)

	content, err := generator.Complete(context.Background(), Prompt{Role: RoleScoring, System: "sys", User: "score it"})
	require.NoError(t, err)
	require.Equal(t, "spanda_score: 4", content)
	require.Len(t, captured, 1)
	require.Equal(t, "scoring-model", captured[0].Model)
	require.False(t, captured[0].Stream)
}

func TestNewOpenAIGeneratorRequiresEndpoint(t *testing.T) {
	_, err := NewOpenAIGenerator(OpenAIConfig{})
	require.Error(t, err)
}
