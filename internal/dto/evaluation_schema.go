package dto

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/evaluation_request.schema.json
var evaluationRequestSchema string

const evaluationRequestSchemaURL = "evaluation_request.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func evaluationSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString(evaluationRequestSchemaURL, evaluationRequestSchema)
	})
	return compiledSchema, schemaErr
}

// DecodeEvaluationRequest validates raw against the open-payload schema and
// decodes it with the rubric order preserved.
func DecodeEvaluationRequest(raw []byte) (EvaluationRequest, error) {
	schema, err := evaluationSchema()
	if err != nil {
		return EvaluationRequest{}, fmt.Errorf("compile evaluation schema: %w", err)
	}

	var document interface{}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&document); err != nil {
		return EvaluationRequest{}, fmt.Errorf("decode payload: %w", err)
	}
	if err := schema.Validate(document); err != nil {
		return EvaluationRequest{}, fmt.Errorf("payload does not match schema: %w", err)
	}

	var request EvaluationRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		return EvaluationRequest{}, fmt.Errorf("decode payload: %w", err)
	}
	return request, nil
}
