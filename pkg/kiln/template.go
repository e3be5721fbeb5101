package kiln

import (
	"regexp"
)

var templateVarRegexp = regexp.MustCompile(`\$\{(\w+)\}`)

// RenderTemplate replaces every ${name} in text with vars[name]. References to names
// without a value are left unchanged, so shell variables survive rendering.
func RenderTemplate(text string, vars map[string]string) string {
	return templateVarRegexp.ReplaceAllStringFunc(text, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}
