package prompts

import (
	"fmt"
	"regexp"
)

// MissingVariableError is returned when a prompt template references a
// placeholder that has no supplied value.
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("prompt template references undefined variable $%s", e.Name)
}

// Placeholders are $name or ${name}; $$ yields a literal dollar sign.
var placeholderRe = regexp.MustCompile(`\$(?:(\$)|([A-Za-z_][A-Za-z0-9_]*)|\{([A-Za-z_][A-Za-z0-9_]*)\})`)

// Expand substitutes $variable placeholders in a prompt template. Every
// placeholder must have a value; a dangling $ without a valid name is left
// untouched.
func Expand(template string, vars map[string]interface{}) (string, error) {
	var missing *MissingVariableError
	expanded := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		groups := placeholderRe.FindStringSubmatch(match)
		if groups[1] == "$" {
			return "$"
		}
		name := groups[2]
		if name == "" {
			name = groups[3]
		}
		value, ok := vars[name]
		if !ok {
			if missing == nil {
				missing = &MissingVariableError{Name: name}
			}
			return match
		}
		return fmt.Sprint(value)
	})
	if missing != nil {
		return "", missing
	}
	return expanded, nil
}

// Placeholders lists the distinct variable names referenced by a template, in
// order of first appearance.
func Placeholders(template string) []string {
	seen := map[string]bool{}
	ret := []string{}
	for _, groups := range placeholderRe.FindAllStringSubmatch(template, -1) {
		name := groups[2]
		if name == "" {
			name = groups[3]
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		ret = append(ret, name)
	}
	return ret
}

// mergeVars overlays extra entries on top of base without mutating either.
func mergeVars(base map[string]interface{}, extra map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
