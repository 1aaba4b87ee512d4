// Package generic implements the shell-driven backend (spec.md §4.6):
// template-substituted submit/monitor/kill commands run through a local
// or remote-shell driver, for integrating arbitrary shell-based
// schedulers. Grounded on
// original_source/crankshaft-config/src/backend/generic.rs (substitution
// semantics) and crankshaft-engine/.../backend/generic/driver.rs (the
// submit/monitor/kill loop).
package generic

import (
	"fmt"
	"regexp"
	"strings"

	backendpkg "github.com/cuemby/crankshaft/internal/backend"
)

var placeholderRe = regexp.MustCompile(`~\{([^}]*)\}`)
var whitespaceRe = regexp.MustCompile(`\s+`)

// substitute replaces every ~{key} reference found in table. A key
// absent from table is left verbatim — this is not itself an error; only
// the final check in resolve (after both substitution layers) fails on
// any placeholder that's still unresolved.
func substitute(template string, table map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		key := m[2 : len(m)-1]
		if v, ok := table[key]; ok {
			return v
		}
		return m
	})
}

// resolve applies the two substitution layers in order (resources +
// execution-derived keys, then configured attributes), collapses
// whitespace, and fails with UnresolvedSubstitution if any ~{...}
// survives. The exact error string is load-bearing: spec.md §8 scenario
// 3 matches on the substring "unresolved substitutions in command: ".
func resolve(template string, resourceKeys, attributes map[string]string) (string, error) {
	rendered := substitute(template, resourceKeys)
	rendered = substitute(rendered, attributes)
	rendered = whitespaceRe.ReplaceAllString(rendered, " ")
	rendered = strings.TrimSpace(rendered)

	if placeholderRe.MatchString(rendered) {
		return "", backendpkg.Other(
			fmt.Sprintf("unresolved substitutions in command: %s", rendered), nil)
	}
	return rendered, nil
}
