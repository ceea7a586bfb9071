// Copyright 2025 James Ross
package gateway

import "github.com/xeipuuv/gojsonschema"

// submissionSchema is the structural shape of a POST /execute body: a
// JobRequest minus its id, which the gateway assigns. Semantic checks
// (known language, timeout bounds, unique test IDs) happen in Go after
// this passes, since gojsonschema can't express cross-field rules like
// uniqueness cleanly.
const submissionSchemaJSON = `{
  "type": "object",
  "required": ["language", "source_code", "test_cases", "timeout_ms"],
  "properties": {
    "language": {"type": "string"},
    "source_code": {"type": "string"},
    "stdin": {"type": "string"},
    "timeout_ms": {"type": "integer"},
    "test_cases": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["test_id", "expected_output", "weight"],
        "properties": {
          "test_id": {"type": "integer"},
          "input": {"type": "string"},
          "expected_output": {"type": "string"},
          "weight": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var submissionSchema = gojsonschema.NewStringLoader(submissionSchemaJSON)
