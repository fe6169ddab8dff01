package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/specflowhq/specflow/questions"
)

// ResultStatus is the tag of the agent's structured output union.
type ResultStatus string

const (
	ResultCompleted  ResultStatus = "completed"
	ResultNeedsInput ResultStatus = "needs_input"
	ResultError      ResultStatus = "error"
)

// Result is the agent's structured final payload, one JSON object on
// stdout constrained by ResultSchema.
type Result struct {
	Status    ResultStatus         `json:"status"`
	Phase     string               `json:"phase,omitempty"`
	Message   string               `json:"message,omitempty"`
	Artifacts []string             `json:"artifacts,omitempty"`
	Questions []questions.Question `json:"questions,omitempty"`
	SessionID string               `json:"session_id,omitempty"`
	CostUSD   float64              `json:"cost_usd,omitempty"`
}

// ResultSchema constrains the agent's final payload. It is passed to the
// agent on every invocation and enforced again when parsing.
const ResultSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": {"type": "string", "enum": ["completed", "needs_input", "error"]},
    "phase": {"type": "string"},
    "message": {"type": "string"},
    "artifacts": {"type": "array", "items": {"type": "string"}},
    "questions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "content"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "content": {"type": "string", "minLength": 1},
          "options": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["label"],
              "properties": {
                "label": {"type": "string"},
                "description": {"type": "string"}
              }
            }
          }
        }
      }
    },
    "session_id": {"type": "string"},
    "cost_usd": {"type": "number", "minimum": 0}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func resultSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(ResultSchema))
		if err != nil {
			schemaErr = fmt.Errorf("parse result schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("result.json", doc); err != nil {
			schemaErr = fmt.Errorf("add result schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("result.json")
	})
	return compiledSchema, schemaErr
}

// ParseResult validates stdout against ResultSchema and decodes it.
// Validation failures are protocol errors, not parse errors.
func ParseResult(data []byte) (*Result, error) {
	schema, err := resultSchema()
	if err != nil {
		return nil, err
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: output is not valid JSON: %v", ErrProtocol, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return &result, nil
}
