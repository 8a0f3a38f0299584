package consolidate

import (
	"encoding/json"
	"fmt"

	"github.com/martinemde/attrnorm/attrs"
)

const systemPrompt = `You are an assistant that helps in consolidating game attribute mappings. ` +
	`Your task is to identify similar or identical parameters, merge them into unified entries, ` +
	`and retain their aliases for backward compatibility.`

const userTemplate = `Here is the attribute mapping to consolidate: %s
Please merge identical or semantically similar attributes, creating a unified entry for each set of similar attributes.
The output should be a JSON object where each key is the unified attribute name, and the value is an object containing:
- "unified": the standardized attribute name
- "aliases": an array of all variations and aliases for this attribute, including the original key
Every original key must appear in the aliases of exactly one entry.
Follow this format for each entry:
{
  "unified_attribute_name": {
    "unified": "standardized_name",
    "aliases": ["original_key", "alias1", "alias2", ...]
  }
}
Return only the JSON object.`

// userPrompt renders the request for one chunk of the raw mapping.
func userPrompt(mapping *attrs.RawMapping, keys []string) (string, error) {
	chunk := attrs.NewRawMapping()
	for _, k := range keys {
		v, _ := mapping.Get(k)
		if len(v) == 0 {
			v = json.RawMessage("{}")
		}
		chunk.Set(k, v)
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return "", fmt.Errorf("encode chunk: %w", err)
	}
	return fmt.Sprintf(userTemplate, data), nil
}
