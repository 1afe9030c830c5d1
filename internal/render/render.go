// Package render is the single template engine used for command templates,
// target path templates, setup files and sandbox manifests. Templates use
// plain {{name}} substitution; there is no logic, filters or nesting.
package render

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// unsafeRe matches every character outside the conservative shell allowlist.
var unsafeRe = regexp.MustCompile(`[^a-zA-Z0-9._+-]`)

// Render substitutes {{name}} placeholders with formatted values from ctx.
// Unknown names render as the empty string. Rendering is deterministic:
// identical inputs always produce identical output.
func Render(template string, ctx map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := ctx[name]
		if !ok {
			return ""
		}
		return Format(v)
	})
}

// Format turns a context value into template text. Lists expand by joining
// their formatted elements with spaces.
func Format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []string:
		return strings.Join(x, " ")
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = Format(e)
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Sanitize strips a string down to the shell allowlist: letters, digits and
// "-_.+". Every other character becomes an underscore.
func Sanitize(s string) string {
	return unsafeRe.ReplaceAllString(s, "_")
}

// Quote sanitises a string and wraps it in single quotes. The sanitised form
// cannot contain a quote character, so plain wrapping is safe.
func Quote(s string) string {
	return "'" + Sanitize(s) + "'"
}

// Escape prepares a resolved parameter value for command rendering: strings
// are sanitised and quoted, lists element-wise, numerics and booleans pass
// through untouched.
func Escape(v any) any {
	switch x := v.(type) {
	case string:
		return Quote(x)
	case []string:
		out := make([]string, len(x))
		for i, e := range x {
			out[i] = Quote(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Escape(e)
		}
		return out
	default:
		return v
	}
}

// EscapeAll applies Escape to every value of a parameter bundle.
func EscapeAll(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = Escape(v)
	}
	return out
}
