package artifact

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// consolidatedSchema describes a consolidated mapping file: every entry
// carries a non-empty unified name and at least one alias.
const consolidatedSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "required": ["unified", "aliases"],
    "properties": {
      "unified": {"type": "string", "minLength": 1},
      "aliases": {
        "type": "array",
        "minItems": 1,
        "items": {"type": "string"}
      }
    }
  }
}`

var consolidated = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("consolidated.json", strings.NewReader(consolidatedSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile("consolidated.json")
})
