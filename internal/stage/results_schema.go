package stage

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mohammad-safakhou/researcher/internal/store"
)

const runResultsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["status", "samples_processed", "metrics"],
  "properties": {
    "status": {"type": "string", "minLength": 1},
    "samples_processed": {"type": "integer", "minimum": 0},
    "metrics": {
      "type": "object",
      "additionalProperties": {"type": "number"}
    },
    "execution_time_seconds": {"type": "number", "minimum": 0}
  },
  "additionalProperties": true
}`

var (
	runResultsOnce   sync.Once
	runResultsSchema *jsonschema.Schema
	runResultsErr    error
)

func compiledRunResultsSchema() (*jsonschema.Schema, error) {
	runResultsOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("run_results.json", strings.NewReader(runResultsSchemaJSON)); err != nil {
			runResultsErr = fmt.Errorf("add run results schema: %w", err)
			return
		}
		runResultsSchema, runResultsErr = compiler.Compile("run_results.json")
	})
	return runResultsSchema, runResultsErr
}

// ValidateRunResultsDocument checks raw backend output against the run results schema.
func ValidateRunResultsDocument(data []byte) error {
	schema, err := compiledRunResultsSchema()
	if err != nil {
		return err
	}
	var payload interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("unmarshal run results: %w", err)
	}
	return schema.Validate(payload)
}

// ValidateRunResults checks what a backend reported before it is persisted.
func ValidateRunResults(res store.RunResults) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return ValidateRunResultsDocument(data)
}
