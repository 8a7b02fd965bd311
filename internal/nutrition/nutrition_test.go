package nutrition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := Embedded()
	require.NoError(t, err)
	return tbl
}

func TestEmbeddedTable(t *testing.T) {
	tbl := loadTable(t)
	assert.Equal(t, 28, tbl.Len())
	keys := tbl.Keys()
	assert.Equal(t, "biryani", keys[0])
	assert.Equal(t, "vorta", keys[len(keys)-1])
	assert.NotContains(t, keys, DefaultKey)

	for _, k := range keys {
		r := tbl.Lookup(k)
		assert.Equal(t, k, r.Key)
		assert.Positive(t, r.Calories, k)
		assert.NotEmpty(t, r.Description, k)
		assert.NotEmpty(t, r.HealthTips, k)
	}
}

func TestLookupNormalizes(t *testing.T) {
	tbl := loadTable(t)
	a := tbl.Lookup("Fish_Curry")
	b := tbl.Lookup("fish curry")
	c := tbl.Lookup("  FISH-CURRY ")
	assert.Equal(t, "fish_curry", a.Key)
	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
	assert.Equal(t, 140.0, a.Calories)
}

func TestLookupFuzzy(t *testing.T) {
	tbl := loadTable(t)

	r, m := tbl.Resolve("Chicken Biryani")
	assert.Equal(t, Fuzzy, m)
	assert.Equal(t, "biryani", r.Key)

	r, m = tbl.Resolve("dal fry")
	assert.Equal(t, Fuzzy, m)
	assert.Equal(t, "dal", r.Key)

	// label contained in a key
	r, m = tbl.Resolve("khichuri")
	assert.Equal(t, Fuzzy, m)
	assert.Equal(t, "bhuna_khichuri", r.Key)

	r, m = tbl.Resolve("kacchi biryani")
	assert.Equal(t, Exact, m)
	assert.Equal(t, "kacchi_biryani", r.Key)
}

func TestLookupFallsBackToDefault(t *testing.T) {
	tbl := loadTable(t)
	for _, label := range []string{"totally_unknown_dish", "", "   "} {
		r, m := tbl.Resolve(label)
		assert.Equal(t, Fallback, m, "%q", label)
		assert.Equal(t, DefaultKey, r.Key)
		assert.Equal(t, 200.0, r.Calories)
	}
	assert.Equal(t, tbl.Default(), tbl.Lookup("pizza"))
	// the default is never matched by substring
	assert.Equal(t, DefaultKey, tbl.Lookup("defaul").Key)
}

func TestHealthTipsStringOrList(t *testing.T) {
	tbl := loadTable(t)
	assert.Len(t, tbl.Lookup("biryani").HealthTips, 1)
	assert.Len(t, tbl.Lookup("dal").HealthTips, 3)
}

func TestLookupReturnsCopies(t *testing.T) {
	tbl := loadTable(t)
	r := tbl.Lookup("haleem")
	r.Vitamins[0] = "changed"
	r.HealthTips[0] = "changed"
	again := tbl.Lookup("haleem")
	assert.NotEqual(t, "changed", again.Vitamins[0])
	assert.NotEqual(t, "changed", again.HealthTips[0])
}

func TestParse(t *testing.T) {
	tbl, err := Parse([]byte(`
default:
  calories: 1
  health_tips: ["a", "b"]
dishes:
  - key: Fish Curry
    calories: 2
  - key: fish
    calories: 3
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"fish_curry", "fish"}, tbl.Keys())
	assert.Equal(t, Tips{"a", "b"}, tbl.Default().HealthTips)
	// first key in table order wins an ambiguous substring match
	assert.Equal(t, "fish_curry", tbl.Lookup("fish_curry_deluxe").Key)
	assert.Equal(t, "fish_curry", tbl.Lookup("fis").Key)

	for name, data := range map[string]string{
		"duplicate":   "dishes:\n  - key: dal\n  - key: DAL\n",
		"empty key":   "dishes:\n  - calories: 3\n",
		"default key": "dishes:\n  - key: default\n",
		"bad tips":    "dishes:\n  - key: dal\n    health_tips: {a: b}\n",
		"not yaml":    "dishes: [",
	} {
		_, err := Parse([]byte(data))
		assert.Error(t, err, name)
	}
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Fish Curry", DisplayName("fish_curry"))
	assert.Equal(t, "Kacchi Biryani", DisplayName("kacchi-biryani"))
	assert.Equal(t, "Dal", DisplayName("dal"))
	assert.Equal(t, "Misti Doi", DisplayName("  misti__doi "))
}
