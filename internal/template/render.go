// Package template renders {{ var }} placeholders and validates variable
// schemas for templates and macros.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/MarkusPolo/consoled/internal/model"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Render substitutes every {{ name }} placeholder (whitespace-tolerant) with
// the matching value from vars. A referenced variable with no value is an
// error naming the variable; no partial substitution is returned.
func Render(text string, vars map[string]string) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined variable: %s", strings.Join(dedupe(missing), ", "))
	}
	return out, nil
}

// RenderStep renders every substitutable field of a step.
func RenderStep(s model.Step, vars map[string]string) (model.Step, error) {
	fields := []*string{&s.Content, &s.Username, &s.Password, &s.Command, &s.Pattern}
	for _, f := range fields {
		if *f == "" {
			continue
		}
		rendered, err := Render(*f, vars)
		if err != nil {
			return model.Step{}, err
		}
		*f = rendered
	}
	return s, nil
}

// ExtractVars returns the sorted set of placeholder names referenced by the
// given steps.
func ExtractVars(steps []model.Step) []string {
	seen := map[string]struct{}{}
	for _, s := range steps {
		for _, text := range []string{s.Content, s.Username, s.Password, s.Command, s.Pattern} {
			for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
				seen[m[1]] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidateSchema checks that every placeholder referenced by steps is declared
// in the schema. Schema properties no step references are legal but returned
// as warnings so the caller can flag dead variables.
func ValidateSchema(steps []model.Step, schema model.ConfigSchema) (warnings []string, err error) {
	referenced := ExtractVars(steps)
	var undeclared []string
	for _, name := range referenced {
		if _, ok := schema.Properties[name]; !ok {
			undeclared = append(undeclared, name)
		}
	}
	if len(undeclared) > 0 {
		return nil, fmt.Errorf("placeholders missing from config_schema: %s", strings.Join(undeclared, ", "))
	}
	refSet := map[string]struct{}{}
	for _, n := range referenced {
		refSet[n] = struct{}{}
	}
	var dead []string
	for name := range schema.Properties {
		if _, ok := refSet[name]; !ok {
			dead = append(dead, name)
		}
	}
	sort.Strings(dead)
	for _, name := range dead {
		warnings = append(warnings, fmt.Sprintf("schema property %q is not referenced by any step", name))
	}
	return warnings, nil
}

// MissingRequired reports which of the schema's required variables are absent
// from vars.
func MissingRequired(schema model.ConfigSchema, vars map[string]string) []string {
	var missing []string
	for _, name := range schema.Required {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func dedupe(names []string) []string {
	seen := map[string]struct{}{}
	out := names[:0]
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
