package loader

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/flowline-labs/flowline/pkg/core"
)

// Logical reference placeholders in model SQL:
//
//	{{ ref('stg_orders') }}
//	{{ source('warehouse', 'orders') }}
var (
	refPattern     = regexp.MustCompile(`\{\{\s*ref\(\s*['"]([^'"]+)['"]\s*\)\s*\}\}`)
	sourcePattern  = regexp.MustCompile(`\{\{\s*source\(\s*['"]([^'"]+)['"]\s*,\s*['"]([^'"]+)['"]\s*\)\s*\}\}`)
	anyPlaceholder = regexp.MustCompile(`\{\{[^}]*\}\}`)
)

// ExtractRefs returns the model names referenced via ref() in SQL,
// deduplicated in order of first appearance.
func ExtractRefs(sql string) []string {
	matches := refPattern.FindAllStringSubmatch(sql, -1)

	var refs []string
	seen := make(map[string]bool)
	for _, match := range matches {
		if !seen[match[1]] {
			refs = append(refs, match[1])
			seen[match[1]] = true
		}
	}
	return refs
}

// ExtractSources returns the (source, table) pairs referenced via
// source() in SQL, deduplicated in order of first appearance.
func ExtractSources(sql string) []core.SourceTableRef {
	matches := sourcePattern.FindAllStringSubmatch(sql, -1)

	var refs []core.SourceTableRef
	seen := make(map[core.SourceTableRef]bool)
	for _, match := range matches {
		ref := core.SourceTableRef{Source: match[1], Table: match[2]}
		if !seen[ref] {
			refs = append(refs, ref)
			seen[ref] = true
		}
	}
	return refs
}

// NameTable maps logical names to physical warehouse relations.
type NameTable struct {
	// Models maps a model name to its physical relation
	Models map[string]string
	// Sources maps (source, table) to its physical relation
	Sources map[core.SourceTableRef]string
}

// Resolve substitutes logical ref()/source() placeholders in a SQL
// template with physical-qualified names. It is a pure function: the
// template and name table fully determine the output. Unresolvable or
// malformed placeholders yield a ParseError.
func Resolve(template string, names *NameTable) (string, error) {
	var resolveErr error

	resolved := refPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := refPattern.FindStringSubmatch(match)[1]
		physical, ok := names.Models[name]
		if !ok {
			if resolveErr == nil {
				resolveErr = &ParseError{Message: fmt.Sprintf("unresolved reference: model %q is not declared", name)}
			}
			return match
		}
		return physical
	})

	resolved = sourcePattern.ReplaceAllStringFunc(resolved, func(match string) string {
		groups := sourcePattern.FindStringSubmatch(match)
		ref := core.SourceTableRef{Source: groups[1], Table: groups[2]}
		physical, ok := names.Sources[ref]
		if !ok {
			if resolveErr == nil {
				resolveErr = &ParseError{Message: fmt.Sprintf("unresolved reference: source %q table %q is not declared", ref.Source, ref.Table)}
			}
			return match
		}
		return physical
	})

	if resolveErr != nil {
		return "", resolveErr
	}

	// Anything still wrapped in {{ }} is a malformed placeholder
	if leftover := anyPlaceholder.FindString(resolved); leftover != "" {
		return "", &ParseError{Message: fmt.Sprintf("malformed template placeholder: %s", strings.TrimSpace(leftover))}
	}

	return resolved, nil
}
