package report

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ParameterSet is an insertion-ordered mapping from parameter name to one or
// more values. A missing name means no value was supplied. The zero value is
// ready to use.
type ParameterSet struct {
	values map[string][]string
	names  []string
}

// NewParameterSet creates an empty parameter set.
func NewParameterSet() *ParameterSet {
	return &ParameterSet{values: make(map[string][]string)}
}

// Add appends values to name, registering name on first use.
func (p *ParameterSet) Add(name string, values ...string) {
	if p.values == nil {
		p.values = make(map[string][]string)
	}

	if _, exists := p.values[name]; !exists {
		p.names = append(p.names, name)
	}

	p.values[name] = append(p.values[name], values...)
}

// Set replaces the values of name, keeping its original position.
func (p *ParameterSet) Set(name string, values ...string) {
	if p.values == nil {
		p.values = make(map[string][]string)
	}

	if _, exists := p.values[name]; !exists {
		p.names = append(p.names, name)
	}

	p.values[name] = slices.Clone(values)
}

// Get returns the first value of name.
func (p *ParameterSet) Get(name string) (string, bool) {
	if p == nil {
		return "", false
	}

	values := p.values[name]
	if len(values) == 0 {
		return "", false
	}

	return values[0], true
}

// Values returns a copy of every value of name.
func (p *ParameterSet) Values(name string) []string {
	if p == nil {
		return nil
	}

	return slices.Clone(p.values[name])
}

// Has reports whether name was supplied.
func (p *ParameterSet) Has(name string) bool {
	if p == nil {
		return false
	}

	_, ok := p.values[name]

	return ok
}

// Names returns parameter names in insertion order.
func (p *ParameterSet) Names() []string {
	if p == nil {
		return nil
	}

	return slices.Clone(p.names)
}

// Len returns the number of distinct names.
func (p *ParameterSet) Len() int {
	if p == nil {
		return 0
	}

	return len(p.names)
}

// Clone returns a deep copy.
func (p *ParameterSet) Clone() *ParameterSet {
	clone := NewParameterSet()
	if p == nil {
		return clone
	}

	for _, name := range p.names {
		clone.Set(name, p.values[name]...)
	}

	return clone
}

// Without returns a copy with the given names removed.
func (p *ParameterSet) Without(names ...string) *ParameterSet {
	clone := NewParameterSet()
	if p == nil {
		return clone
	}

	for _, name := range p.names {
		if slices.Contains(names, name) {
			continue
		}

		clone.Set(name, p.values[name]...)
	}

	return clone
}

// Encode renders the set as a URL query string preserving order.
func (p *ParameterSet) Encode() string {
	if p == nil {
		return ""
	}

	var sb strings.Builder

	for _, name := range p.names {
		for _, value := range p.values[name] {
			if sb.Len() > 0 {
				sb.WriteByte('&')
			}

			sb.WriteString(url.QueryEscape(name))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(value))
		}
	}

	return sb.String()
}

// ParseQuery decodes a raw URL query into an ordered ParameterSet. Unlike
// url.ParseQuery the order in which names first appear is preserved.
func ParseQuery(rawQuery string) (*ParameterSet, error) {
	params := NewParameterSet()

	for pair := range strings.SplitSeq(rawQuery, "&") {
		if pair == "" {
			continue
		}

		rawName, rawValue, _ := strings.Cut(pair, "=")

		name, err := url.QueryUnescape(rawName)
		if err != nil {
			return nil, fmt.Errorf("decode parameter name %q: %w", rawName, err)
		}

		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, fmt.Errorf("decode parameter %q: %w", name, err)
		}

		params.Add(name, value)
	}

	return params, nil
}
