// Package dsl loads flow documents: YAML parsing (JSON documents parse as a
// subset), JSON-Schema validation and optional signature verification.
package dsl

import (
	"encoding/json"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/rpaflow/rpaflow/errs"
	"github.com/rpaflow/rpaflow/model"
	"github.com/rpaflow/rpaflow/signature"
)

// Parse reads a flow file from the given path and unmarshals it into a Flow.
func Parse(path string) (*model.Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFromString(string(data))
}

// ParseFromString unmarshals a YAML string into a Flow struct.
func ParseFromString(yamlStr string) (*model.Flow, error) {
	var flow model.Flow
	if err := yaml.Unmarshal([]byte(yamlStr), &flow); err != nil {
		return nil, err
	}
	return &flow, nil
}

// Validate runs JSON-Schema validation against the embedded flow schema.
func Validate(flow *model.Flow) error {
	jsonBytes, err := json.Marshal(flow)
	if err != nil {
		return err
	}
	schema, err := jsonschema.CompileString("flow.schema.json", flowSchema)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return &errs.ValidationError{Msg: "flow schema validation failed", Err: err}
	}
	return nil
}

// Load reads, parses, and validates a flow file in one step.
func Load(path string) (*model.Flow, error) {
	flow, err := Parse(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(flow); err != nil {
		return nil, err
	}
	return flow, nil
}

// LoadVerified loads a flow file only if its detached signature verifies
// against key. The returned error is a ValidationError on signature mismatch.
func LoadVerified(path string, key []byte) (*model.Flow, error) {
	if !signature.Verify(path, key) {
		return nil, errs.Validationf("package signature verification failed for %s", path)
	}
	return Load(path)
}
