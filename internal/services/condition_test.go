package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCondition_EmptyMeansAlwaysTrue(t *testing.T) {
	for _, raw := range []string{"", "  ", "null", "{}"} {
		cond, err := ParseCondition([]byte(raw))
		require.NoError(t, err, raw)
		assert.Nil(t, cond, raw)
		assert.True(t, EvaluateCondition(cond, nil), raw)
	}
}

func TestEvaluateCondition(t *testing.T) {
	snapshot := map[string]interface{}{
		"priority": "high",
		"amount":   1500,
		"score":    "42.5",
		"vip":      true,
		"tags":     []interface{}{"billing", "eu"},
		"subject":  "refund request",
		"company":  map[string]interface{}{"tier": "gold", "seats": 120},
		"owner":    nil,
	}

	tests := []struct {
		name string
		cond string
		want bool
	}{
		{"eq string", `{"field":"priority","value":"high"}`, true},
		{"eq explicit op", `{"field":"priority","op":"eq","value":"low"}`, false},
		{"neq", `{"field":"priority","op":"neq","value":"low"}`, true},
		{"eq number against int", `{"field":"amount","op":"eq","value":1500}`, true},
		{"eq bool", `{"field":"vip","value":true}`, true},
		{"in", `{"field":"priority","op":"in","value":["urgent","high"]}`, true},
		{"in miss", `{"field":"priority","op":"in","value":["low"]}`, false},
		{"gt", `{"field":"amount","op":"gt","value":1000}`, true},
		{"gte boundary", `{"field":"amount","op":"gte","value":1500}`, true},
		{"lt", `{"field":"amount","op":"lt","value":1500}`, false},
		{"lte numeric string", `{"field":"score","op":"lte","value":42.5}`, true},
		{"gt on non numeric", `{"field":"priority","op":"gt","value":1}`, false},
		{"contains list", `{"field":"tags","op":"contains","value":"eu"}`, true},
		{"contains substring", `{"field":"subject","op":"contains","value":"refund"}`, true},
		{"dotted path", `{"field":"company.tier","value":"gold"}`, true},
		{"dotted numeric", `{"field":"company.seats","op":"gte","value":100}`, true},
		{"and", `{"and":[{"field":"priority","value":"high"},{"field":"amount","op":"gt","value":1000}]}`, true},
		{"and short circuit false", `{"and":[{"field":"priority","value":"high"},{"field":"amount","op":"gt","value":5000}]}`, false},
		{"or", `{"or":[{"field":"priority","value":"low"},{"field":"vip","value":true}]}`, true},
		{"not", `{"not":{"field":"priority","value":"low"}}`, true},
		{"legacy array is and", `[{"field":"priority","value":"high"},{"field":"vip","value":true}]`, true},
		{"empty and", `{"and":[]}`, true},
		{"empty or", `{"or":[]}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond, err := ParseCondition([]byte(tt.cond))
			require.NoError(t, err)
			assert.Equal(t, tt.want, EvaluateCondition(cond, snapshot))
		})
	}
}

func TestEvaluateCondition_MissingFieldIsFalse(t *testing.T) {
	snapshot := map[string]interface{}{"priority": "high", "owner": nil}

	for _, raw := range []string{
		`{"field":"status","value":"open"}`,
		`{"field":"status","op":"neq","value":"open"}`,
		`{"field":"status","op":"in","value":["open"]}`,
		`{"field":"amount","op":"lt","value":10}`,
		`{"field":"company.tier","value":"gold"}`,
		`{"field":"owner","op":"neq","value":"bob"}`,
	} {
		cond, err := ParseCondition([]byte(raw))
		require.NoError(t, err)
		assert.False(t, EvaluateCondition(cond, snapshot), raw)
	}
}

func TestParseCondition_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"malformed json", `{"field":`},
		{"missing field", `{"op":"eq","value":1}`},
		{"unknown op", `{"field":"a","op":"regex","value":"x"}`},
		{"in without list", `{"field":"a","op":"in","value":"x"}`},
		{"gt without number", `{"field":"a","op":"gt","value":"abc"}`},
		{"and not a list", `{"and":{"field":"a"}}`},
		{"nested invalid", `{"or":[{"field":"a"},{"op":"eq"}]}`},
		{"scalar document", `42`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCondition([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}
