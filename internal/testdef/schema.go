package testdef

import "github.com/santhosh-tekuri/jsonschema/v5"

// schemaJSON is the structural contract for definition files. Semantic
// rules that a schema cannot express (whitespace-only service names)
// live in Parse.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "TestDefinition",
  "type": "object",
  "required": ["test_cases"],
  "properties": {
    "test_cases": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["service"],
        "properties": {
          "service": {"type": "string", "minLength": 1},
          "action": {"type": "string"},
          "params": {"type": "object"}
        }
      }
    }
  }
}`

var schema = jsonschema.MustCompileString("testdef.schema.json", schemaJSON)
