package expr

import (
	"fmt"
	"math"
	"strings"

	"github.com/casbin/govaluate"
)

// builtinFunctions mirrors the small subset of ad builtins that views and
// queries commonly rely on.
func builtinFunctions() map[string]govaluate.ExpressionFunction {
	return map[string]govaluate.ExpressionFunction{
		"toLower": func(args ...interface{}) (interface{}, error) {
			s, err := stringArg("toLower", args)
			if err != nil {
				return nil, err
			}
			return strings.ToLower(s), nil
		},
		"toUpper": func(args ...interface{}) (interface{}, error) {
			s, err := stringArg("toUpper", args)
			if err != nil {
				return nil, err
			}
			return strings.ToUpper(s), nil
		},
		"strlen": func(args ...interface{}) (interface{}, error) {
			s, err := stringArg("strlen", args)
			if err != nil {
				return nil, err
			}
			return float64(len(s)), nil
		},
		"size": func(args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("size: expected 1 argument, got %d", len(args))
			}
			switch t := args[0].(type) {
			case string:
				return float64(len(t)), nil
			case []any:
				return float64(len(t)), nil
			case map[string]any:
				return float64(len(t)), nil
			default:
				return nil, fmt.Errorf("size: unsupported argument type %T", t)
			}
		},
		"floor": func(args ...interface{}) (interface{}, error) {
			f, err := numberArg("floor", args)
			if err != nil {
				return nil, err
			}
			return math.Floor(f), nil
		},
		"ceiling": func(args ...interface{}) (interface{}, error) {
			f, err := numberArg("ceiling", args)
			if err != nil {
				return nil, err
			}
			return math.Ceil(f), nil
		},
		"member": func(args ...interface{}) (interface{}, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("member: expected 2 arguments, got %d", len(args))
			}
			list, ok := args[1].([]any)
			if !ok {
				return nil, fmt.Errorf("member: second argument is not a list")
			}
			for _, item := range list {
				if item == args[0] {
					return true, nil
				}
			}
			return false, nil
		},
	}
}

func stringArg(name string, args []interface{}) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%s: expected 1 argument, got %d", name, len(args))
	}
	s, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("%s: argument is not a string", name)
	}
	return s, nil
}

func numberArg(name string, args []interface{}) (float64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%s: expected 1 argument, got %d", name, len(args))
	}
	f, ok := args[0].(float64)
	if !ok {
		return 0, fmt.Errorf("%s: argument is not a number", name)
	}
	return f, nil
}
