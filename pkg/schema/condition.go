package schema

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// LogicalOperator combines child conditions within a group.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// Operator is the fixed comparison set available to conditions.
type Operator string

const (
	OpEqual          Operator = "=="
	OpNotEqual       Operator = "!="
	OpGreater        Operator = ">"
	OpLess           Operator = "<"
	OpGreaterOrEqual Operator = ">="
	OpLessOrEqual    Operator = "<="
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpExists         Operator = "exists"
	OpNotExists      Operator = "not_exists"
	OpRegex          Operator = "regex"
)

// Operators lists every valid operator, for validation.
var Operators = []Operator{
	OpEqual, OpNotEqual, OpGreater, OpLess, OpGreaterOrEqual, OpLessOrEqual,
	OpContains, OpNotContains, OpExists, OpNotExists, OpRegex,
}

// TakesValue reports whether the operator requires a comparison value.
// exists and not_exists operate on path presence alone.
func (o Operator) TakesValue() bool {
	return o != OpExists && o != OpNotExists
}

// ConditionGroup is a recursive boolean tree: AND/OR over children that are
// either single conditions or nested groups.
type ConditionGroup struct {
	LogicalOperator LogicalOperator `json:"logical_operator" yaml:"logical_operator"`
	Conditions      []ConditionNode `json:"conditions" yaml:"conditions"`
}

// SingleCondition compares one dotted-path field of the run context.
type SingleCondition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// ConditionNode is the tagged union over SingleCondition | ConditionGroup.
// Exactly one of Single or Group is non-nil after decoding. A node is a group
// when its serialized form carries a logical_operator key.
type ConditionNode struct {
	Single *SingleCondition
	Group  *ConditionGroup
}

func (n *ConditionNode) UnmarshalJSON(data []byte) error {
	var probe struct {
		LogicalOperator string `json:"logical_operator"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.LogicalOperator != "" {
		g := &ConditionGroup{}
		if err := json.Unmarshal(data, g); err != nil {
			return err
		}
		n.Group = g
		return nil
	}
	s := &SingleCondition{}
	if err := json.Unmarshal(data, s); err != nil {
		return err
	}
	n.Single = s
	return nil
}

func (n ConditionNode) MarshalJSON() ([]byte, error) {
	switch {
	case n.Group != nil:
		return json.Marshal(n.Group)
	case n.Single != nil:
		return json.Marshal(n.Single)
	default:
		return nil, fmt.Errorf("condition node has neither single nor group")
	}
}

func (n *ConditionNode) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("condition node must be a mapping, got %s", value.Tag)
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		if value.Content[i].Value == "logical_operator" {
			g := &ConditionGroup{}
			if err := value.Decode(g); err != nil {
				return err
			}
			n.Group = g
			return nil
		}
	}
	s := &SingleCondition{}
	if err := value.Decode(s); err != nil {
		return err
	}
	n.Single = s
	return nil
}
