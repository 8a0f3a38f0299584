package consolidate

import (
	"strings"

	"github.com/martinemde/attrnorm/attrs"
	"go.uber.org/zap"
)

// sanitize turns a chunk reply into entries that hold the consolidated
// invariant for the chunk's keys: every chunk key sits in exactly one alias
// list and every entry has a unified name and covers at least one chunk key.
// Aliases that are not raw keys at all are kept as given. rawKeys is
// the full key set of the run; aliases naming raw keys of other chunks are
// dropped so they cannot be claimed twice.
func sanitize(reply *attrs.ConsolidatedMapping, chunk []string, rawKeys map[string]struct{}, log *zap.Logger) *attrs.ConsolidatedMapping {
	inChunk := make(map[string]bool, len(chunk))
	for _, k := range chunk {
		inChunk[k] = true
	}
	claimed := make(map[string]bool, len(chunk))
	out := attrs.NewConsolidatedMapping()

	if reply != nil {
		for pair := reply.Oldest(); pair != nil; pair = pair.Next() {
			name := strings.TrimSpace(pair.Key)
			if name == "" {
				log.Warn("dropping entry with empty name")
				continue
			}
			d := pair.Value
			d.Unified = strings.TrimSpace(d.Unified)
			if d.Unified == "" {
				d.Unified = name
			}
			aliases := d.Aliases
			if len(aliases) == 0 {
				aliases = []string{name}
			}

			kept := make([]string, 0, len(aliases))
			seen := make(map[string]bool, len(aliases))
			subsumes := false
			for _, alias := range aliases {
				if alias == "" || seen[alias] {
					continue
				}
				seen[alias] = true
				if inChunk[alias] {
					if claimed[alias] {
						log.Debug("alias already claimed in chunk", zap.String("alias", alias), zap.String("entry", name))
						continue
					}
					claimed[alias] = true
					subsumes = true
				} else if _, raw := rawKeys[alias]; raw {
					log.Debug("alias belongs to another chunk", zap.String("alias", alias), zap.String("entry", name))
					continue
				}
				kept = append(kept, alias)
			}
			if !subsumes {
				log.Debug("dropping entry that covers no key of the chunk", zap.String("entry", name))
				continue
			}
			d.Aliases = kept
			merge(out, name, d)
		}
	}

	for _, k := range chunk {
		if claimed[k] {
			continue
		}
		log.Warn("key missing from reply, keeping it as is", zap.String("key", k))
		merge(out, k, attrs.Descriptor{Unified: k, Aliases: []string{k}})
	}
	return out
}

// merge adds d under name. When name is already present the aliases are
// appended to the existing entry instead of replacing it.
func merge(into *attrs.ConsolidatedMapping, name string, d attrs.Descriptor) bool {
	existing, ok := into.Get(name)
	if !ok {
		into.Set(name, attrs.Descriptor{Unified: d.Unified, Aliases: append([]string(nil), d.Aliases...)})
		return false
	}
	have := make(map[string]bool, len(existing.Aliases))
	for _, a := range existing.Aliases {
		have[a] = true
	}
	for _, a := range d.Aliases {
		if !have[a] {
			existing.Aliases = append(existing.Aliases, a)
			have[a] = true
		}
	}
	into.Set(name, existing)
	return true
}

// mergeAll unions a sanitized chunk result into the running result and
// returns the names that collided with earlier chunks.
func mergeAll(into, chunk *attrs.ConsolidatedMapping) []string {
	var collided []string
	for pair := chunk.Oldest(); pair != nil; pair = pair.Next() {
		if merge(into, pair.Key, pair.Value) {
			collided = append(collided, pair.Key)
		}
	}
	return collided
}
