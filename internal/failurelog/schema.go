package failurelog

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	networkFailureSchemaURL = "https://failmon.local/schemas/network-failure.json"
	snapshotSchemaURL       = "https://failmon.local/schemas/snapshot.json"
)

const networkFailureSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "method": {"type": "string"},
    "type": {"type": "string"},
    "tabId": {"type": ["integer", "null"]},
    "frameId": {"type": "integer"},
    "initiator": {"type": ["string", "null"]},
    "documentUrl": {"type": ["string", "null"]},
    "error": {"type": "string"},
    "fromCache": {"type": "boolean"},
    "ip": {"type": ["string", "null"]},
    "statusLine": {"type": ["string", "null"]}
  }
}`

const snapshotSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "schemaVersion": {"type": "integer", "minimum": 1, "maximum": 1},
    "failedRequests": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["id", "tabId"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "time": {"type": ["string", "number", "null"]},
          "url": {"type": "string"},
          "tabId": {"type": "integer", "minimum": 0},
          "frameId": {"type": "integer"},
          "fromCache": {"type": "boolean"}
        }
      }
    }
  }
}`

var compiledSchemas struct {
	once           sync.Once
	err            error
	networkFailure *jsonschema.Schema
	snapshot       *jsonschema.Schema
}

func loadSchemas() error {
	compiledSchemas.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		for url, raw := range map[string]string{
			networkFailureSchemaURL: networkFailureSchema,
			snapshotSchemaURL:       snapshotSchema,
		} {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
			if err != nil {
				compiledSchemas.err = err
				return
			}
			if err := compiler.AddResource(url, doc); err != nil {
				compiledSchemas.err = err
				return
			}
		}
		var err error
		if compiledSchemas.networkFailure, err = compiler.Compile(networkFailureSchemaURL); err != nil {
			compiledSchemas.err = err
			return
		}
		if compiledSchemas.snapshot, err = compiler.Compile(snapshotSchemaURL); err != nil {
			compiledSchemas.err = err
		}
	})
	return compiledSchemas.err
}

// ValidateNetworkFailureJSON checks a raw platform event before it is decoded.
func ValidateNetworkFailureJSON(data []byte) error {
	if err := loadSchemas(); err != nil {
		return err
	}
	return validateAgainst(compiledSchemas.networkFailure, data)
}

func validateSnapshotJSON(data []byte) error {
	if err := loadSchemas(); err != nil {
		return err
	}
	return validateAgainst(compiledSchemas.snapshot, data)
}

func validateAgainst(schema *jsonschema.Schema, data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
