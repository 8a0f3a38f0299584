package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/martinemde/attrnorm/attrs"
)

// MatchMode selects how strictly item keys are matched against the mapping.
type MatchMode string

const (
	// MatchExact renames a key only when it is a mapping key or alias.
	MatchExact MatchMode = "exact"
	// MatchFuzzy lets the service pick the closest unified name.
	MatchFuzzy MatchMode = "fuzzy"
)

const systemPrompt = `You are an assistant that normalizes game item data. ` +
	`Use the provided attribute mapping to standardize attribute names.`

const userTemplate = `Normalize this item data using the following attribute mapping (attribute key -> unified name):
%s

Item to normalize:
%s

Rules:
- Rewrite the attribute keys inside "primary", "additional", "bonus" and "requirements" to their unified names.
- %s
- Leave keys that have no match unchanged.
- Never change attribute values, "item_name" or "description".
- Keep the group structure; do not add or remove groups.
Please return the normalized item data as a JSON object and nothing else.`

const (
	exactRule = "Only rename a key that appears in the mapping exactly."
	fuzzyRule = "Rename a key when it clearly refers to the same attribute as a mapping key, even if spelled differently."
)

func userPrompt(names []byte, it attrs.Item, mode MatchMode) (string, error) {
	item, err := json.MarshalIndent(it, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode item: %w", err)
	}
	rule := exactRule
	if mode == MatchFuzzy {
		rule = fuzzyRule
	}
	return fmt.Sprintf(userTemplate, names, item, rule), nil
}
