package conditions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

// Evaluator evaluates condition trees against a run context. Evaluation is
// total: an unresolvable field, a bad regex, or a type mismatch yields false
// plus a diagnostic, never an error. Safe for concurrent use.
type Evaluator struct {
	mu         sync.RWMutex
	regexCache map[string]*regexp.Regexp
}

// New creates an Evaluator with an empty regex cache.
func New() *Evaluator {
	return &Evaluator{regexCache: make(map[string]*regexp.Regexp)}
}

// Diagnostic records why a condition resolved to false for a non-match reason
// (missing field, type mismatch, invalid pattern).
type Diagnostic struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Outcome is the result of evaluating a condition tree.
type Outcome struct {
	Match       bool         `json:"match"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// Evaluate walks the group recursively. AND short-circuits on the first false
// child, OR on the first true child. An empty AND group is vacuously true; an
// empty OR group is false.
func (e *Evaluator) Evaluate(group *schema.ConditionGroup, ctx map[string]any) Outcome {
	out := Outcome{}
	out.Match = e.evalGroup(group, ctx, &out.Diagnostics)
	return out
}

func (e *Evaluator) evalGroup(group *schema.ConditionGroup, ctx map[string]any, diags *[]Diagnostic) bool {
	if group == nil {
		return true
	}

	or := group.LogicalOperator == schema.LogicalOr
	for i := range group.Conditions {
		node := &group.Conditions[i]
		var v bool
		switch {
		case node.Group != nil:
			v = e.evalGroup(node.Group, ctx, diags)
		case node.Single != nil:
			v = e.evalSingle(node.Single, ctx, diags)
		default:
			*diags = append(*diags, Diagnostic{Reason: "empty condition node"})
			v = false
		}
		if or && v {
			return true
		}
		if !or && !v {
			return false
		}
	}
	return !or
}

func (e *Evaluator) evalSingle(c *schema.SingleCondition, ctx map[string]any, diags *[]Diagnostic) bool {
	value, found := Lookup(ctx, c.Field)

	switch c.Operator {
	case schema.OpExists:
		return found
	case schema.OpNotExists:
		return !found
	}

	// A missing field never satisfies a comparison.
	if !found {
		*diags = append(*diags, Diagnostic{Field: c.Field, Reason: "field not present in context"})
		return false
	}

	switch c.Operator {
	case schema.OpEqual:
		return looseEqual(value, c.Value)
	case schema.OpNotEqual:
		return !looseEqual(value, c.Value)
	case schema.OpGreater, schema.OpLess, schema.OpGreaterOrEqual, schema.OpLessOrEqual:
		cmp, ok := compareOrdered(value, c.Value)
		if !ok {
			*diags = append(*diags, Diagnostic{Field: c.Field,
				Reason: fmt.Sprintf("operands of %s are not comparable as numbers or timestamps", c.Operator)})
			return false
		}
		switch c.Operator {
		case schema.OpGreater:
			return cmp > 0
		case schema.OpLess:
			return cmp < 0
		case schema.OpGreaterOrEqual:
			return cmp >= 0
		default:
			return cmp <= 0
		}
	case schema.OpContains:
		return contains(value, c.Value)
	case schema.OpNotContains:
		return !contains(value, c.Value)
	case schema.OpRegex:
		return e.matchRegex(value, c.Value, c.Field, diags)
	default:
		*diags = append(*diags, Diagnostic{Field: c.Field,
			Reason: fmt.Sprintf("unknown operator %q", c.Operator)})
		return false
	}
}

func (e *Evaluator) matchRegex(value, pattern any, field string, diags *[]Diagnostic) bool {
	pat, ok := pattern.(string)
	if !ok {
		*diags = append(*diags, Diagnostic{Field: field, Reason: "regex pattern is not a string"})
		return false
	}

	e.mu.RLock()
	re, cached := e.regexCache[pat]
	e.mu.RUnlock()

	if !cached {
		var err error
		re, err = regexp.Compile(pat)
		if err != nil {
			*diags = append(*diags, Diagnostic{Field: field,
				Reason: fmt.Sprintf("invalid regex %q: %s", pat, err)})
			return false
		}
		e.mu.Lock()
		e.regexCache[pat] = re
		e.mu.Unlock()
	}

	return re.MatchString(stringForm(value))
}

// --- coercion helpers ---

// looseEqual compares two JSON-shaped values: numbers by value regardless of
// Go type, everything else by string form (bools and strings included).
func looseEqual(a, b any) bool {
	if fa, ok1 := toFloat(a); ok1 {
		if fb, ok2 := toFloat(b); ok2 {
			return fa == fb
		}
	}
	return stringForm(a) == stringForm(b)
}

// compareOrdered coerces both operands to a common numeric or temporal type
// and returns -1/0/1. The second return is false when no common type exists.
func compareOrdered(a, b any) (int, bool) {
	if fa, ok1 := toFloat(a); ok1 {
		if fb, ok2 := toFloat(b); ok2 {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	if ta, ok1 := toTime(a); ok1 {
		if tb, ok2 := toTime(b); ok2 {
			switch {
			case ta.Before(tb):
				return -1, true
			case ta.After(tb):
				return 1, true
			default:
				return 0, true
			}
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// contains applies substring semantics to strings and membership semantics to
// sequences.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, stringForm(needle))
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func stringForm(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
