package endpoint

import (
	"fmt"
	"strings"

	"github.com/INLOpen/nexussync/core"
)

// Template is a request or filter string with "{name}" placeholders.
// Names match pivot attributes case-insensitively. The positional "{0}"
// placeholder stands for the identifier unless a "0" attribute is supplied.
type Template struct {
	raw    string
	escape func(string) string
}

// NewTemplate parses raw. escape is applied to every substituted value and
// may be nil.
func NewTemplate(raw string, escape func(string) string) Template {
	return Template{raw: raw, escape: escape}
}

func (t Template) String() string { return t.raw }

// IsZero reports whether the template is empty.
func (t Template) IsZero() bool { return t.raw == "" }

// Placeholders returns the placeholder names in order of appearance.
func (t Template) Placeholders() []string {
	var names []string
	_, _ = t.expand(func(name string) (string, error) {
		names = append(names, name)
		return "", nil
	})
	return names
}

// Resolve substitutes every placeholder.
func (t Template) Resolve(id string, attrs core.Datasets) (string, error) {
	return t.expand(func(name string) (string, error) {
		v, err := lookup(name, id, attrs)
		if err != nil {
			return "", err
		}
		if t.escape != nil {
			v = t.escape(v)
		}
		return v, nil
	})
}

// Bind replaces every placeholder with marker and returns the values in
// placeholder order, for drivers that take positional arguments.
func (t Template) Bind(marker string, id string, attrs core.Datasets) (string, []any, error) {
	var args []any
	out, err := t.expand(func(name string) (string, error) {
		v, err := lookup(name, id, attrs)
		if err != nil {
			return "", err
		}
		args = append(args, v)
		return marker, nil
	})
	if err != nil {
		return "", nil, err
	}
	return out, args, nil
}

func lookup(name, id string, attrs core.Datasets) (string, error) {
	if values := attrs.Get(name); len(values) > 0 {
		return values[0], nil
	}
	if name == "0" && id != "" {
		return id, nil
	}
	return "", fmt.Errorf("no value for placeholder {%s}", name)
}

func (t Template) expand(fn func(name string) (string, error)) (string, error) {
	var b strings.Builder
	rest := t.raw
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		closing += open
		b.WriteString(rest[:open])
		name := rest[open+1 : closing]
		if name == "" {
			b.WriteString("{}")
		} else {
			v, err := fn(name)
			if err != nil {
				return "", fmt.Errorf("template %q: %w", t.raw, err)
			}
			b.WriteString(v)
		}
		rest = rest[closing+1:]
	}
}
