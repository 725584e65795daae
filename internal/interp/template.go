package interp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/internal/conditions"
	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

// Renderer resolves ${{...}} references in templated strings and JSON blobs
// against the run context. An expression is either a dotted context path
// ("loan.amount") or a jq program prefixed with "jq:" ("jq: .loan.amount * 2").
type Renderer struct {
	jq *JQEngine
}

// NewRenderer creates a Renderer backed by a shared jq engine.
func NewRenderer() *Renderer {
	return &Renderer{jq: NewJQEngine()}
}

const jqPrefix = "jq:"

// ResolveValue evaluates a single expression against the run context and
// returns the resolved value.
func (r *Renderer) ResolveValue(ctx context.Context, expr string, runCtx map[string]any) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expression")
	}

	if strings.HasPrefix(expr, jqPrefix) {
		return r.jq.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(expr, jqPrefix)), runCtx)
	}

	val, ok := conditions.Lookup(runCtx, expr)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"path %q not found in run context", expr).
			WithDetails(map[string]any{"expression": expr})
	}
	return val, nil
}

// RenderString resolves every ${{...}} token in a string. Resolved values are
// embedded inline: strings as-is, everything else JSON-encoded.
func (r *Renderer) RenderString(ctx context.Context, input string, runCtx map[string]any) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3 // skip "${{"

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeValidation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeValidation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := r.ResolveValue(ctx, expr, runCtx)
		if err != nil {
			return "", err
		}
		result.WriteString(marshalInline(val))

		i = end + 2 // skip "}}"
	}

	return result.String(), nil
}

// Render resolves every ${{...}} token in a raw JSON blob and returns the
// rendered bytes.
func (r *Renderer) Render(ctx context.Context, raw json.RawMessage, runCtx map[string]any) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	rendered, err := r.RenderString(ctx, string(raw), runCtx)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(rendered), nil
}

// RenderMap resolves every value of a string map, leaving keys untouched.
func (r *Renderer) RenderMap(ctx context.Context, in map[string]string, runCtx map[string]any) (map[string]string, error) {
	if len(in) == 0 {
		return in, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		rendered, err := r.RenderString(ctx, v, runCtx)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

// HasTemplate checks whether a blob contains any ${{...}} references.
func HasTemplate(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}

// marshalInline converts a resolved value into its inline representation.
// Strings are embedded without extra quotes so templates compose inside
// larger strings; complex types are JSON-encoded.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
