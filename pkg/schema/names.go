package schema

import "strings"

// DefaultPlurals holds the irregular plural forms known out of the box.
var DefaultPlurals = map[string]string{
	"Person": "People",
}

// Pluralizer converts entity names between their singular and plural forms.
type Pluralizer struct {
	plurals   map[string]string
	singulars map[string]string
}

// NewPluralizer returns a Pluralizer that consults overrides before applying
// the regular rules. A nil map selects DefaultPlurals.
func NewPluralizer(overrides map[string]string) *Pluralizer {
	if overrides == nil {
		overrides = DefaultPlurals
	}

	p := &Pluralizer{
		plurals:   make(map[string]string, len(overrides)),
		singulars: make(map[string]string, len(overrides)),
	}

	for single, plural := range overrides {
		p.plurals[single] = plural
		p.singulars[plural] = single
	}

	return p
}

func (p *Pluralizer) Pluralize(name string) string {
	if plural, ok := p.plurals[name]; ok {
		return plural
	}

	switch {
	case name == "":
		return name
	case strings.HasSuffix(name, "y") && !strings.HasSuffix(name, "Day"):
		return name[:len(name)-1] + "ies"
	case strings.HasSuffix(name, "s"), strings.HasSuffix(name, "h"):
		return name + "es"
	}

	return name + "s"
}

func (p *Pluralizer) Singularize(name string) string {
	if single, ok := p.singulars[name]; ok {
		return single
	}

	switch {
	case strings.HasSuffix(name, "ies"):
		return name[:len(name)-3] + "y"
	case strings.HasSuffix(name, "hes"), strings.HasSuffix(name, "sses"), strings.HasSuffix(name, "uses"):
		return name[:len(name)-2]
	case strings.HasSuffix(name, "s"):
		return name[:len(name)-1]
	}

	return name
}
