// Package template resolves {{placeholder}} substitutions in step inputs.
// No templating library is used deliberately: the contract (§9, "no regex
// engine is needed beyond one character-class check per line") calls for a
// single substitution pass over literal `{{name}}` tokens, not conditional
// logic, loops, or includes — anything a real template engine (text/template,
// mustache) offers beyond that would be unused surface. A hand-written
// scanner is the narrowest correct implementation of the contract as given.
package template

import "strings"

// Resolve replaces every {{name}} occurrence in tpl with vars[name].
// Unresolved placeholders become the empty string; resolution never fails.
func Resolve(tpl string, vars map[string]string) string {
	var b strings.Builder
	b.Grow(len(tpl))

	rest := tpl
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end == -1 {
			b.WriteString(rest)
			break
		}
		end += start

		b.WriteString(rest[:start])
		name := strings.TrimSpace(rest[start+2 : end])
		b.WriteString(vars[name])
		rest = rest[end+2:]
	}
	return b.String()
}
