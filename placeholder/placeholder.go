// Package placeholder substitutes {field} placeholders in titles, descriptions
// and URLs with values from a process data snapshot.
package placeholder

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var pattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\}`)

// Escaper transforms a substituted value, e.g. url.QueryEscape.
type Escaper func(string) string

// Substitute replaces every {name} in tmpl with the value found at name in
// fields. Dotted names walk nested maps. Unknown placeholders are kept verbatim.
func Substitute(tmpl string, fields map[string]interface{}) string {
	return SubstituteEscaped(tmpl, fields, nil)
}

// SubstituteEscaped is Substitute with every value passed through esc.
func SubstituteEscaped(tmpl string, fields map[string]interface{}, esc Escaper) string {
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}
	return pattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := match[1 : len(match)-1]
		v, ok := Lookup(fields, name)
		if !ok {
			return match
		}
		s := Format(v)
		if esc != nil {
			s = esc(s)
		}
		return s
	})
}

// JSONEscape escapes s for use inside a JSON string literal, without the
// surrounding quotes.
func JSONEscape(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return s
	}
	return string(b[1 : len(b)-1])
}

// Lookup resolves a dotted path against nested maps.
func Lookup(fields map[string]interface{}, path string) (interface{}, bool) {
	if fields == nil {
		return nil, false
	}
	if v, ok := fields[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	var cur interface{} = fields
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Format renders a snapshot value as text.
func Format(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprint(val)
	}
}
