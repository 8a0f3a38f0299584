package normalize

import (
	"strings"
	"unicode/utf8"

	"github.com/martinemde/attrnorm/attrs"
)

// Preprocess returns a copy of it ready to be sent: long strings are cut to
// maxLen runes plus ellipsis, and icon/image fields are removed. The input
// item is not modified.
func Preprocess(it attrs.Item, maxLen int, ellipsis string) attrs.Item {
	out := it.Clone()
	out.ItemName = Truncate(out.ItemName, maxLen, ellipsis)
	out.Description = Truncate(out.Description, maxLen, ellipsis)
	out.Icon = ""
	out.Image = ""

	for _, name := range attrs.GroupNames {
		g := out.Group(name)
		if g == nil {
			continue
		}
		var media []string
		for pair := g.Oldest(); pair != nil; pair = pair.Next() {
			if isMediaKey(pair.Key) {
				media = append(media, pair.Key)
				continue
			}
			pair.Value = truncateValue(pair.Value, maxLen, ellipsis)
		}
		for _, k := range media {
			g.Delete(k)
		}
	}
	return out
}

// Truncate cuts s to maxLen runes and appends ellipsis when it was longer.
// maxLen < 1 disables truncation.
func Truncate(s string, maxLen int, ellipsis string) string {
	if maxLen < 1 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	n := 0
	for i := range s {
		if n == maxLen {
			return s[:i] + ellipsis
		}
		n++
	}
	return s
}

func truncateValue(v any, maxLen int, ellipsis string) any {
	switch x := v.(type) {
	case string:
		return Truncate(x, maxLen, ellipsis)
	case []any:
		for i := range x {
			x[i] = truncateValue(x[i], maxLen, ellipsis)
		}
		return x
	case map[string]any:
		for k, val := range x {
			x[k] = truncateValue(val, maxLen, ellipsis)
		}
		return x
	case *attrs.Group:
		for pair := x.Oldest(); pair != nil; pair = pair.Next() {
			pair.Value = truncateValue(pair.Value, maxLen, ellipsis)
		}
		return x
	default:
		return v
	}
}

func isMediaKey(k string) bool {
	k = strings.ToLower(k)
	return strings.Contains(k, "icon") || strings.Contains(k, "image")
}
