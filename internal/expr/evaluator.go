package expr

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/casbin/govaluate"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/adstore/internal/classad"
)

// DefaultCacheSize is the number of compiled expressions kept when the
// configuration does not say otherwise.
const DefaultCacheSize = 1024

var errUndefinedAttribute = errors.New("undefined attribute")

// Config holds evaluator configuration
type Config struct {
	CacheSize int
	// OnError is called for every expression that fails to compile or
	// evaluate. Undefined attribute references are not errors.
	OnError func(expression string, err error)
}

// Evaluator evaluates attribute expressions against ads. Compiled
// expressions are cached; the evaluator is safe for concurrent use.
type Evaluator struct {
	cache     *lru.Cache
	functions map[string]govaluate.ExpressionFunction
	onError   func(string, error)
	logger    *zap.Logger
}

// NewEvaluator creates a new evaluator
func NewEvaluator(cfg *Config, logger *zap.Logger) (*Evaluator, error) {
	size := DefaultCacheSize
	onError := func(string, error) {}
	if cfg != nil {
		if cfg.CacheSize > 0 {
			size = cfg.CacheSize
		}
		if cfg.OnError != nil {
			onError = cfg.OnError
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression cache: %w", err)
	}

	return &Evaluator{
		cache:     cache,
		functions: builtinFunctions(),
		onError:   onError,
		logger:    logger,
	}, nil
}

// Compile checks that an expression parses. It is used to reject bad view
// definitions before any collection is created.
func (e *Evaluator) Compile(expression string) error {
	if strings.TrimSpace(expression) == "" {
		return nil
	}
	_, err := e.compile(expression)
	return err
}

// Evaluate evaluates an expression against an ad. An empty expression and
// references to missing attributes evaluate to undefined; compile and
// runtime failures evaluate to error.
func (e *Evaluator) Evaluate(ad classad.Ad, expression string) classad.Value {
	if strings.TrimSpace(expression) == "" {
		return classad.Undefined()
	}

	compiled, err := e.compile(expression)
	if err != nil {
		e.onError(expression, err)
		return classad.Error()
	}

	result, err := compiled.Eval(adParameters{ad: ad})
	if err != nil {
		if errors.Is(err, errUndefinedAttribute) {
			return classad.Undefined()
		}
		e.logger.Debug("Expression evaluation failed",
			zap.String("expression", expression),
			zap.Error(err))
		e.onError(expression, err)
		return classad.Error()
	}

	if f, ok := result.(float64); ok && (math.IsInf(f, 0) || math.IsNaN(f)) {
		return classad.Error()
	}
	return classad.NewValue(result)
}

// CacheLen returns the number of cached compiled expressions.
func (e *Evaluator) CacheLen() int {
	return e.cache.Len()
}

func (e *Evaluator) compile(expression string) (*govaluate.EvaluableExpression, error) {
	if cached, ok := e.cache.Get(expression); ok {
		return cached.(*govaluate.EvaluableExpression), nil
	}

	compiled, err := govaluate.NewEvaluableExpressionWithFunctions(expression, e.functions)
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", expression, err)
	}
	e.cache.Add(expression, compiled)
	return compiled, nil
}

// adParameters exposes ad attributes as expression variables.
type adParameters struct {
	ad classad.Ad
}

func (p adParameters) Get(name string) (interface{}, error) {
	v, ok := p.ad[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUndefinedAttribute, name)
	}
	if nested, isAd := classad.AsAd(v); isAd {
		return map[string]any(nested), nil
	}
	return v, nil
}
