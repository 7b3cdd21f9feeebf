package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// placeholderPattern matches {name} references. Names are dot-joined
// segments of letters, digits, underscores and dashes; the first
// segment addresses a variable, input key or prior node name, the
// rest walk into nested maps of that value.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_-]+(?:\.[A-Za-z0-9_-]+)*)\}`)

// Resolver maps a placeholder name to its value. The second return
// reports whether the name resolved; unresolved placeholders keep
// their literal text.
type Resolver func(name string) (any, bool)

// Scope builds a Resolver over the three lookup layers a handler
// sees, consulted in order:
//
//  1. locals — the handler's config-level variables table
//  2. input — keys of the workflow input document
//  3. outputs — prior node outputs addressed {nodeName.field.sub}
//
// Exact-name matches win before dotted traversal, so an input key
// that happens to contain a dot still resolves.
func Scope(input map[string]any, outputs map[string]map[string]any, locals map[string]any) Resolver {
	return func(name string) (any, bool) {
		if v, ok := locals[name]; ok {
			return v, true
		}
		if v, ok := input[name]; ok {
			return v, true
		}

		segments := strings.Split(name, ".")
		if out, ok := outputs[segments[0]]; ok {
			return dig(out, segments[1:])
		}
		return nil, false
	}
}

// dig walks nested maps following the remaining path segments.
// An empty path returns the whole document.
func dig(doc map[string]any, path []string) (any, bool) {
	var current any = doc
	for _, segment := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Render interpolates placeholders throughout a document, walking
// strings, slices and maps recursively. The shape of the document is
// preserved; only string leaves change. Rendering is idempotent once
// every placeholder has resolved, because resolved text no longer
// matches the placeholder pattern unless the value itself contained
// one.
func Render(doc any, resolve Resolver) any {
	switch v := doc.(type) {
	case string:
		return RenderString(v, resolve)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Render(item, resolve)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Render(item, resolve)
		}
		return out
	default:
		return doc
	}
}

// RenderString replaces every resolvable {name} in s. Resolved values
// become strings: string values are spliced as-is, everything else
// serializes to its canonical JSON text. Unresolved placeholders are
// left as their literal {name} form.
func RenderString(s string, resolve Resolver) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := resolve(name)
		if !ok {
			return match
		}
		return stringify(value)
	})
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
