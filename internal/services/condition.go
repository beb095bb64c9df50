package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Condition is a predicate over a record snapshot, parsed once from its stored JSON
// document. The implementations below are the complete set.
type Condition interface {
	evaluate(snapshot map[string]interface{}) bool
}

// CompareOp is a numeric comparison operator.
type CompareOp string

const (
	OpGt  CompareOp = "gt"
	OpGte CompareOp = "gte"
	OpLt  CompareOp = "lt"
	OpLte CompareOp = "lte"
)

// EqCondition matches when the field equals Value (or differs from it, when Negate is set).
type EqCondition struct {
	Field  string
	Value  interface{}
	Negate bool
}

// InCondition matches when the field equals one of Values.
type InCondition struct {
	Field  string
	Values []interface{}
}

// ContainsCondition matches a substring of a string field or an element of a list field.
type ContainsCondition struct {
	Field string
	Value interface{}
}

// CompareCondition compares a numeric field against Value.
type CompareCondition struct {
	Field string
	Op    CompareOp
	Value float64
}

type AndCondition struct{ Terms []Condition }

type OrCondition struct{ Terms []Condition }

type NotCondition struct{ Term Condition }

// EvaluateCondition reports whether snapshot satisfies cond. A nil condition always
// matches; a predicate over a field the snapshot does not have never does.
func EvaluateCondition(cond Condition, snapshot map[string]interface{}) bool {
	if cond == nil {
		return true
	}
	return cond.evaluate(snapshot)
}

func (c EqCondition) evaluate(snapshot map[string]interface{}) bool {
	actual, ok := lookupField(snapshot, c.Field)
	if !ok {
		return false
	}
	return scalarEqual(actual, c.Value) != c.Negate
}

func (c InCondition) evaluate(snapshot map[string]interface{}) bool {
	actual, ok := lookupField(snapshot, c.Field)
	if !ok {
		return false
	}
	for _, v := range c.Values {
		if scalarEqual(actual, v) {
			return true
		}
	}
	return false
}

func (c ContainsCondition) evaluate(snapshot map[string]interface{}) bool {
	actual, ok := lookupField(snapshot, c.Field)
	if !ok {
		return false
	}
	switch t := actual.(type) {
	case []interface{}:
		for _, item := range t {
			if scalarEqual(item, c.Value) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range t {
			if scalarEqual(item, c.Value) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(t, fmt.Sprintf("%v", c.Value))
	default:
		return false
	}
}

func (c CompareCondition) evaluate(snapshot map[string]interface{}) bool {
	actual, ok := lookupField(snapshot, c.Field)
	if !ok {
		return false
	}
	n, ok := toFloat(actual)
	if !ok {
		return false
	}
	switch c.Op {
	case OpGt:
		return n > c.Value
	case OpGte:
		return n >= c.Value
	case OpLt:
		return n < c.Value
	case OpLte:
		return n <= c.Value
	}
	return false
}

func (c AndCondition) evaluate(snapshot map[string]interface{}) bool {
	for _, t := range c.Terms {
		if !t.evaluate(snapshot) {
			return false
		}
	}
	return true
}

func (c OrCondition) evaluate(snapshot map[string]interface{}) bool {
	for _, t := range c.Terms {
		if t.evaluate(snapshot) {
			return true
		}
	}
	return false
}

func (c NotCondition) evaluate(snapshot map[string]interface{}) bool {
	return !c.Term.evaluate(snapshot)
}

// ParseCondition builds a Condition from its JSON document. Empty input, null and {}
// yield a nil condition (always matches).
//
// Grammar:
//
//	{"field": "amount", "op": "gte", "value": 1000}
//	{"and": [...]}, {"or": [...]}, {"not": {...}}
//	[...]  (implicit and, the legacy trigger format)
func ParseCondition(raw []byte) (Condition, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid condition document: %w", err)
	}
	if m, ok := doc.(map[string]interface{}); ok && len(m) == 0 {
		return nil, nil
	}
	return parseConditionNode(doc)
}

func parseConditionNode(node interface{}) (Condition, error) {
	switch n := node.(type) {
	case []interface{}:
		terms, err := parseConditionList(n)
		if err != nil {
			return nil, err
		}
		return AndCondition{Terms: terms}, nil
	case map[string]interface{}:
		if v, ok := n["and"]; ok {
			list, ok := v.([]interface{})
			if !ok {
				return nil, fmt.Errorf("\"and\" expects a list")
			}
			terms, err := parseConditionList(list)
			if err != nil {
				return nil, err
			}
			return AndCondition{Terms: terms}, nil
		}
		if v, ok := n["or"]; ok {
			list, ok := v.([]interface{})
			if !ok {
				return nil, fmt.Errorf("\"or\" expects a list")
			}
			terms, err := parseConditionList(list)
			if err != nil {
				return nil, err
			}
			return OrCondition{Terms: terms}, nil
		}
		if v, ok := n["not"]; ok {
			term, err := parseConditionNode(v)
			if err != nil {
				return nil, err
			}
			return NotCondition{Term: term}, nil
		}
		return parseConditionLeaf(n)
	default:
		return nil, fmt.Errorf("unexpected condition node of type %T", node)
	}
}

func parseConditionList(list []interface{}) ([]Condition, error) {
	terms := make([]Condition, 0, len(list))
	for i, item := range list {
		term, err := parseConditionNode(item)
		if err != nil {
			return nil, fmt.Errorf("term %d: %w", i, err)
		}
		terms = append(terms, term)
	}
	return terms, nil
}

func parseConditionLeaf(n map[string]interface{}) (Condition, error) {
	field, _ := n["field"].(string)
	if strings.TrimSpace(field) == "" {
		return nil, fmt.Errorf("condition field required")
	}
	op, _ := n["op"].(string)
	if op == "" {
		op = "eq"
	}
	value := normalizeScalar(n["value"])

	switch op {
	case "eq", "neq":
		return EqCondition{Field: field, Value: value, Negate: op == "neq"}, nil
	case "in":
		list, ok := n["value"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("op \"in\" on %s expects a list value", field)
		}
		values := make([]interface{}, 0, len(list))
		for _, v := range list {
			values = append(values, normalizeScalar(v))
		}
		return InCondition{Field: field, Values: values}, nil
	case "contains":
		return ContainsCondition{Field: field, Value: value}, nil
	case string(OpGt), string(OpGte), string(OpLt), string(OpLte):
		num, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("op %q on %s expects a numeric value", op, field)
		}
		return CompareCondition{Field: field, Op: CompareOp(op), Value: num}, nil
	default:
		return nil, fmt.Errorf("unsupported condition op: %s", op)
	}
}

// lookupField resolves a dotted path. A flat key containing dots ("ticket.priority")
// wins over walking nested objects.
func lookupField(snapshot map[string]interface{}, path string) (interface{}, bool) {
	if snapshot == nil {
		return nil, false
	}
	if v, ok := snapshot[path]; ok {
		return v, v != nil
	}
	var cur interface{} = snapshot
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func normalizeScalar(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch t := normalizeScalar(v).(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func scalarEqual(actual, expected interface{}) bool {
	a := normalizeScalar(actual)
	e := normalizeScalar(expected)
	switch ev := e.(type) {
	case float64:
		if af, ok := toFloat(a); ok {
			return af == ev
		}
		return false
	case bool:
		ab, ok := a.(bool)
		return ok && ab == ev
	case nil:
		return a == nil
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", e)
}
