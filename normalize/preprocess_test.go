package normalize

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/martinemde/attrnorm/attrs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short", "abc", 5, "abc"},
		{"exact", "abcde", 5, "abcde"},
		{"long", "abcdef", 5, "abcde..."},
		{"runes not bytes", "ééééé", 3, "ééé..."},
		{"disabled", "abcdef", 0, "abcdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.in, tt.max, "..."))
		})
	}
}

func TestPreprocess(t *testing.T) {
	in := item(t, `{
  "item_name": "Blade",
  "description": "`+strings.Repeat("x", 20)+`",
  "icon": "blade.png",
  "image": "blade_large.png",
  "primary": {
    "hp": 10,
    "lore": "`+strings.Repeat("y", 20)+`",
    "IconPath": "a.png",
    "item_image": "b.png",
    "effects": ["`+strings.Repeat("z", 20)+`", 3],
    "proc": {"text": "`+strings.Repeat("w", 20)+`"}
  }
}`)

	out := Preprocess(in, 10, "...")

	assert.Equal(t, "Blade", out.ItemName)
	assert.Equal(t, strings.Repeat("x", 10)+"...", out.Description)
	assert.Empty(t, out.Icon)
	assert.Empty(t, out.Image)
	require.NotNil(t, out.Primary)
	assert.Equal(t, []string{"hp", "lore", "effects", "proc"}, attrs.Keys(out.Primary))

	lore, _ := out.Primary.Get("lore")
	assert.Equal(t, strings.Repeat("y", 10)+"...", lore)

	effects, _ := out.Primary.Get("effects")
	if diff := cmp.Diff([]any{strings.Repeat("z", 10) + "...", float64(3)}, effects); diff != "" {
		t.Errorf("effects mismatch (-want +got):\n%s", diff)
	}
	proc, _ := out.Primary.Get("proc")
	assert.Equal(t, map[string]any{"text": strings.Repeat("w", 10) + "..."}, proc)

	// The input is untouched.
	assert.Equal(t, "blade.png", in.Icon)
	assert.Equal(t, 6, in.Primary.Len())
	origLore, _ := in.Primary.Get("lore")
	assert.Equal(t, strings.Repeat("y", 20), origLore)
	origProc, _ := in.Primary.Get("proc")
	assert.Equal(t, map[string]any{"text": strings.Repeat("w", 20)}, origProc)
}

func TestRewriteGroup(t *testing.T) {
	g := attrs.NewGroup()
	g.Set("hp", 10)
	g.Set("luck", 2)
	g.Set("health_points", 12)
	g.Set("dmg", 4)

	out, collisions := RewriteGroup(g, attrs.AliasIndex(testMapping()))
	assert.Equal(t, []string{"unified_health", "luck", "unified_damage"}, attrs.Keys(out))
	v, _ := out.Get("unified_health")
	assert.Equal(t, 10, v)
	assert.Equal(t, []string{"health_points"}, collisions)

	nilOut, none := RewriteGroup(nil, nil)
	assert.Nil(t, nilOut)
	assert.Empty(t, none)
}

func TestCompareKeys(t *testing.T) {
	want := attrs.NewGroup()
	want.Set("unified_health", 1)
	want.Set("luck", 2)
	got := attrs.NewGroup()
	got.Set("unified_health", 1)
	got.Set("fortune", 2)

	d := compareKeys("primary", want, got)
	assert.Equal(t, []string{"luck"}, d.Missing)
	assert.Equal(t, []string{"fortune"}, d.Invented)
	assert.False(t, d.empty())

	assert.True(t, compareKeys("primary", want, want).empty())
	assert.Equal(t, []string{"unified_health", "luck"}, compareKeys("primary", want, nil).Missing)
}
