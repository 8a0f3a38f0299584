// Package attrs holds the data model shared by the consolidation and
// normalization pipelines: ordered attribute mappings, consolidated
// descriptors and game items.
package attrs

import (
	"encoding/json"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// RawMapping maps a raw attribute key to a producer-defined descriptor,
// kept as opaque JSON. Iteration order is document order.
type RawMapping = orderedmap.OrderedMap[string, json.RawMessage]

// ConsolidatedMapping maps a unified attribute name to its descriptor.
type ConsolidatedMapping = orderedmap.OrderedMap[string, Descriptor]

// Group is one attribute group of an item (primary, bonus, ...).
type Group = orderedmap.OrderedMap[string, any]

// Descriptor is a consolidated attribute: the canonical name plus every raw
// key it subsumes.
type Descriptor struct {
	Unified string   `json:"unified"`
	Aliases []string `json:"aliases"`
}

// Valid reports whether the descriptor satisfies the consolidated invariant.
func (d Descriptor) Valid() bool {
	return d.Unified != "" && len(d.Aliases) > 0
}

// Merged reports whether the descriptor folds more than one raw key.
func (d Descriptor) Merged() bool {
	return len(d.Aliases) > 1
}

// NewRawMapping returns an empty raw mapping.
func NewRawMapping() *RawMapping {
	return orderedmap.New[string, json.RawMessage]()
}

// NewConsolidatedMapping returns an empty consolidated mapping.
func NewConsolidatedMapping() *ConsolidatedMapping {
	return orderedmap.New[string, Descriptor]()
}

// NewGroup returns an empty attribute group.
func NewGroup() *Group {
	return orderedmap.New[string, any]()
}

// Keys returns the keys of an ordered map in iteration order.
func Keys[V any](m *orderedmap.OrderedMap[string, V]) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, m.Len())
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// AliasNames maps every mapping key and every alias to its unified name, in
// mapping order with each key before its aliases. This is the mapping the
// normalization request carries. When a name is claimed twice the first
// descriptor wins.
func AliasNames(m *ConsolidatedMapping) *orderedmap.OrderedMap[string, string] {
	out := orderedmap.New[string, string]()
	if m == nil {
		return out
	}
	claim := func(name, unified string) {
		if _, ok := out.Get(name); !ok {
			out.Set(name, unified)
		}
	}
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		unified := pair.Value.Unified
		if unified == "" {
			unified = pair.Key
		}
		claim(pair.Key, unified)
		for _, alias := range pair.Value.Aliases {
			claim(alias, unified)
		}
	}
	return out
}

// AliasIndex is AliasNames as a lookup table.
func AliasIndex(m *ConsolidatedMapping) map[string]string {
	names := AliasNames(m)
	index := make(map[string]string, names.Len())
	for pair := names.Oldest(); pair != nil; pair = pair.Next() {
		index[pair.Key] = pair.Value
	}
	return index
}
