package normalize

import (
	"github.com/martinemde/attrnorm/attrs"
)

// RewriteGroup renames every key of g found in index to its unified name and
// keeps the rest. When two keys of g map to the same unified name the first
// one wins and the others are returned as collisions.
func RewriteGroup(g *attrs.Group, index map[string]string) (*attrs.Group, []string) {
	if g == nil {
		return nil, nil
	}
	out := attrs.NewGroup()
	var collisions []string
	for pair := g.Oldest(); pair != nil; pair = pair.Next() {
		key := pair.Key
		if unified, ok := index[key]; ok {
			key = unified
		}
		if _, taken := out.Get(key); taken {
			collisions = append(collisions, pair.Key)
			continue
		}
		out.Set(key, pair.Value)
	}
	return out, collisions
}

// deviation describes how a service-produced group differs from the exact
// rewrite.
type deviation struct {
	Group    string
	Missing  []string // expected keys the service dropped or renamed
	Invented []string // keys the service produced that the rewrite does not
}

func (d deviation) empty() bool {
	return len(d.Missing) == 0 && len(d.Invented) == 0
}

func compareKeys(group string, want, got *attrs.Group) deviation {
	d := deviation{Group: group}
	for pair := want.Oldest(); pair != nil; pair = pair.Next() {
		if got == nil {
			d.Missing = append(d.Missing, pair.Key)
			continue
		}
		if _, ok := got.Get(pair.Key); !ok {
			d.Missing = append(d.Missing, pair.Key)
		}
	}
	if got != nil {
		for pair := got.Oldest(); pair != nil; pair = pair.Next() {
			if _, ok := want.Get(pair.Key); !ok {
				d.Invented = append(d.Invented, pair.Key)
			}
		}
	}
	return d
}

// reconcile builds the final item from the preprocessed input and the
// service reply. Groups absent from the input are never added. In exact mode
// every group is the deterministic rewrite of the input and differences in the
// reply are reported. In fuzzy mode the reply's groups are used when present.
func reconcile(input, reply attrs.Item, index map[string]string, mode MatchMode) (attrs.Item, []deviation, []string) {
	out := attrs.Item{
		ItemName:    input.ItemName,
		Description: input.Description,
	}
	if mode == MatchFuzzy {
		if reply.ItemName != "" {
			out.ItemName = reply.ItemName
		}
		if reply.Description != "" {
			out.Description = reply.Description
		}
	}

	var (
		deviations []deviation
		collisions []string
	)
	for _, name := range attrs.GroupNames {
		in := input.Group(name)
		if in == nil {
			continue
		}
		got := reply.Group(name)
		if mode == MatchFuzzy && got != nil {
			out.SetGroup(name, got)
			continue
		}
		want, lost := RewriteGroup(in, index)
		collisions = append(collisions, lost...)
		if mode == MatchExact {
			if d := compareKeys(name, want, got); !d.empty() {
				deviations = append(deviations, d)
			}
		}
		out.SetGroup(name, want)
	}
	return out, deviations, collisions
}
