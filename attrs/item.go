package attrs

// Group names, in the order items carry them.
const (
	GroupPrimary      = "primary"
	GroupAdditional   = "additional"
	GroupBonus        = "bonus"
	GroupRequirements = "requirements"
)

// GroupNames lists the four attribute groups in canonical order.
var GroupNames = []string{GroupPrimary, GroupAdditional, GroupBonus, GroupRequirements}

// Item is a raw game item. Normalized items share the same shape; decoding
// into Item drops any top-level key it does not declare.
type Item struct {
	ItemName     string `json:"item_name"`
	Description  string `json:"description"`
	Icon         string `json:"icon,omitempty"`
	Image        string `json:"image,omitempty"`
	Primary      *Group `json:"primary,omitempty"`
	Additional   *Group `json:"additional,omitempty"`
	Bonus        *Group `json:"bonus,omitempty"`
	Requirements *Group `json:"requirements,omitempty"`
}

// Group returns the named attribute group, or nil if unknown or absent.
func (it *Item) Group(name string) *Group {
	switch name {
	case GroupPrimary:
		return it.Primary
	case GroupAdditional:
		return it.Additional
	case GroupBonus:
		return it.Bonus
	case GroupRequirements:
		return it.Requirements
	}
	return nil
}

// SetGroup replaces the named attribute group. Unknown names are ignored.
func (it *Item) SetGroup(name string, g *Group) {
	switch name {
	case GroupPrimary:
		it.Primary = g
	case GroupAdditional:
		it.Additional = g
	case GroupBonus:
		it.Bonus = g
	case GroupRequirements:
		it.Requirements = g
	}
}

// Clone returns a deep copy of the item. Nested values are copied for the
// JSON shapes the decoder produces (objects, arrays, scalars).
func (it Item) Clone() Item {
	out := it
	for _, name := range GroupNames {
		out.SetGroup(name, CloneGroup(it.Group(name)))
	}
	return out
}

// CloneGroup deep-copies a group.
func CloneGroup(g *Group) *Group {
	if g == nil {
		return nil
	}
	out := NewGroup()
	for pair := g.Oldest(); pair != nil; pair = pair.Next() {
		out.Set(pair.Key, cloneValue(pair.Value))
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[k] = cloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, val := range x {
			s[i] = cloneValue(val)
		}
		return s
	case *Group:
		return CloneGroup(x)
	default:
		return v
	}
}
