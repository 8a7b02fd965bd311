// Package nutrition serves the static per-dish nutrition table.
package nutrition

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed table.yaml
var embeddedTable []byte

// DefaultKey names the fallback record.
const DefaultKey = "default"

// Tips accepts either a single string or a list in the table.
type Tips []string

func (t *Tips) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*t = Tips{s}
	case yaml.SequenceNode:
		var l []string
		if err := value.Decode(&l); err != nil {
			return err
		}
		*t = l
	default:
		return fmt.Errorf("line %d: health_tips must be a string or a list", value.Line)
	}
	return nil
}

// Record holds the facts for one dish. Key is the table entry it came from.
type Record struct {
	Key             string   `yaml:"key" json:"key"`
	Calories        float64  `yaml:"calories" json:"calories"`
	Protein         float64  `yaml:"protein" json:"protein"`
	Carbs           float64  `yaml:"carbs" json:"carbs"`
	Fat             float64  `yaml:"fat" json:"fat"`
	Fiber           float64  `yaml:"fiber" json:"fiber"`
	Description     string   `yaml:"description" json:"description"`
	Origin          string   `yaml:"origin" json:"origin"`
	Preparation     string   `yaml:"preparation" json:"preparation"`
	BestTime        string   `yaml:"best_time" json:"best_time"`
	HealthTips      Tips     `yaml:"health_tips" json:"health_tips"`
	Vitamins        []string `yaml:"vitamins" json:"vitamins"`
	ServingSize     string   `yaml:"serving_size" json:"serving_size"`
	PopularVariants []string `yaml:"popular_variants" json:"popular_variants"`
}

func (r Record) clone() Record {
	r.HealthTips = append(Tips(nil), r.HealthTips...)
	r.Vitamins = append([]string(nil), r.Vitamins...)
	r.PopularVariants = append([]string(nil), r.PopularVariants...)
	return r
}

// Match tells how a label was resolved.
type Match int

const (
	Exact Match = iota
	Fuzzy
	Fallback
)

func (m Match) String() string {
	switch m {
	case Exact:
		return "exact"
	case Fuzzy:
		return "fuzzy"
	}
	return "default"
}

// Table is an ordered, read-only set of records plus the default.
type Table struct {
	order    []string
	records  map[string]Record
	fallback Record
}

type tableFile struct {
	Default Record   `yaml:"default"`
	Dishes  []Record `yaml:"dishes"`
}

// Parse reads a YAML table. Keys are normalized; duplicates are rejected.
func Parse(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse nutrition table: %w", err)
	}
	t := &Table{records: make(map[string]Record, len(f.Dishes))}
	for i, r := range f.Dishes {
		key := Normalize(r.Key)
		if key == "" || key == DefaultKey {
			return nil, fmt.Errorf("nutrition table entry %d: invalid key %q", i, r.Key)
		}
		if _, dup := t.records[key]; dup {
			return nil, fmt.Errorf("nutrition table: duplicate key %q", key)
		}
		r.Key = key
		t.order = append(t.order, key)
		t.records[key] = r
	}
	t.fallback = f.Default
	t.fallback.Key = DefaultKey
	return t, nil
}

var embedded = sync.OnceValues(func() (*Table, error) { return Parse(embeddedTable) })

// Embedded returns the table compiled into the binary.
func Embedded() (*Table, error) { return embedded() }

// Normalize lowercases and trims label and maps spaces and hyphens to
// underscores.
func Normalize(label string) string {
	s := strings.ToLower(strings.TrimSpace(label))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

// Lookup never fails: an exact key, then the first key contained in the
// label or containing it, then the default record.
func (t *Table) Lookup(label string) Record {
	r, _ := t.Resolve(label)
	return r
}

// Resolve is Lookup that also reports how the record was found.
func (t *Table) Resolve(label string) (Record, Match) {
	key := Normalize(label)
	if key == "" {
		return t.fallback.clone(), Fallback
	}
	if r, ok := t.records[key]; ok {
		return r.clone(), Exact
	}
	for _, k := range t.order {
		if strings.Contains(key, k) || strings.Contains(k, key) {
			return t.records[k].clone(), Fuzzy
		}
	}
	return t.fallback.clone(), Fallback
}

// Default returns the fallback record.
func (t *Table) Default() Record { return t.fallback.clone() }

// Keys lists the dish keys in table order.
func (t *Table) Keys() []string { return append([]string(nil), t.order...) }

// Len is the number of dishes, the default excluded.
func (t *Table) Len() int { return len(t.order) }

// DisplayName turns a label such as "fish_curry" into "Fish Curry".
func DisplayName(label string) string {
	s := strings.Join(strings.Fields(strings.NewReplacer("_", " ", "-", " ").Replace(label)), " ")
	return cases.Title(language.English).String(s)
}
