package conditions

import (
	"strconv"
	"strings"
)

// Lookup resolves a dotted path ("review.outcome", "items.0.id") against a
// JSON-shaped context. The second return is false when the path does not
// resolve to a value.
func Lookup(ctx map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = ctx
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}
