package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/adstore/internal/classad"
)

func newTestEvaluator(t *testing.T, onError func(string, error)) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(&Config{CacheSize: 8, OnError: onError}, zap.NewNop())
	require.NoError(t, err)
	return e
}

func TestEvaluator_Evaluate(t *testing.T) {
	e := newTestEvaluator(t, nil)
	ad := classad.New(map[string]any{
		"Owner":  "alice",
		"rank":   2,
		"Cpus":   4,
		"Memory": 2048,
		"Tags":   []any{"gpu", "ssd"},
	})

	tests := []struct {
		name       string
		expression string
		wantKind   classad.Kind
		want       any
	}{
		{"comparison", "rank < 3", classad.BooleanKind, true},
		{"string equality", `Owner == "alice"`, classad.BooleanKind, true},
		{"arithmetic", "Cpus * 2 + 1", classad.NumberKind, float64(9)},
		{"logical", "Cpus >= 4 && Memory > 1024", classad.BooleanKind, true},
		{"ternary", `Cpus > 8 ? "big" : "small"`, classad.StringKind, "small"},
		{"function", `toUpper(Owner)`, classad.StringKind, "ALICE"},
		{"member", `member("gpu", Tags)`, classad.BooleanKind, true},
		{"floor", "floor(Memory / 1000)", classad.NumberKind, float64(2)},
		{"attribute reference", "Owner", classad.StringKind, "alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Evaluate(ad, tt.expression)
			require.Equal(t, tt.wantKind, v.Kind(), "value %s", v)
			assert.Equal(t, tt.want, v.Raw())
		})
	}
}

func TestEvaluator_UndefinedAndErrors(t *testing.T) {
	var failures []string
	e := newTestEvaluator(t, func(expression string, err error) {
		failures = append(failures, expression)
	})
	ad := classad.New(map[string]any{"Owner": "alice"})

	assert.True(t, e.Evaluate(ad, "Missing > 3").IsUndefined())
	assert.True(t, e.Evaluate(ad, "").IsUndefined())
	assert.Empty(t, failures)

	assert.True(t, e.Evaluate(ad, "Owner >").IsError())
	assert.True(t, e.Evaluate(ad, "unknownFn(Owner)").IsError())
	assert.Len(t, failures, 2)
}

func TestEvaluator_CachesCompiledExpressions(t *testing.T) {
	e := newTestEvaluator(t, nil)
	ad := classad.New(map[string]any{"A": 1})

	for i := 0; i < 5; i++ {
		e.Evaluate(ad, "A + 1")
	}
	assert.Equal(t, 1, e.CacheLen())

	for i := 0; i < 20; i++ {
		e.Evaluate(ad, "A + "+string(rune('a'+i)))
	}
	assert.LessOrEqual(t, e.CacheLen(), 8)
}

func TestEvaluator_Compile(t *testing.T) {
	e := newTestEvaluator(t, nil)
	assert.NoError(t, e.Compile("rank < 3"))
	assert.NoError(t, e.Compile(""))
	assert.Error(t, e.Compile("rank <"))
}
