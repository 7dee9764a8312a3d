package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/agentmesh/agentmesh/types"
)

// guardOperand is one side of a guard comparison: a binding reference or
// a literal.
type guardOperand struct {
	ref     *Ref
	literal any
}

// guardExpr is a compiled guard: either a single truthy operand or a
// comparison of two operands.
type guardExpr struct {
	lhs guardOperand
	op  string // "", "==", "!="
	rhs guardOperand
}

// CompileGuard compiles a guard expression string into a GuardFunc.
//
// Supported forms:
//
//	<operand>                  truthiness of a single operand
//	<operand> == <operand>     loose equality
//	<operand> != <operand>     loose inequality
//
// An operand is a binding reference ("variables.x", "steps.a.outputs.k")
// or a literal (true, false, a number, or a possibly-quoted string).
// Anything richer belongs in a programmatic GuardFunc.
func CompileGuard(expr string) (GuardFunc, error) {
	parsed, err := parseGuard(expr)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, b *BindingStore) (bool, error) {
		lhs := evalOperand(parsed.lhs, b)
		if parsed.op == "" {
			return truthy(lhs), nil
		}
		rhs := evalOperand(parsed.rhs, b)
		equal := looseEqual(lhs, rhs)
		if parsed.op == "!=" {
			return !equal, nil
		}
		return equal, nil
	}, nil
}

// GuardRefs returns the binding references a guard expression reads,
// used by the graph builder to infer dependency edges.
func GuardRefs(expr string) ([]Ref, error) {
	parsed, err := parseGuard(expr)
	if err != nil {
		return nil, err
	}
	var refs []Ref
	if parsed.lhs.ref != nil {
		refs = append(refs, *parsed.lhs.ref)
	}
	if parsed.rhs.ref != nil {
		refs = append(refs, *parsed.rhs.ref)
	}
	return refs, nil
}

func parseGuard(expr string) (*guardExpr, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, types.NewError(types.ErrInvalidDefinition, "empty guard expression")
	}

	for _, op := range []string{"==", "!="} {
		if idx := strings.Index(trimmed, op); idx >= 0 {
			lhsStr := strings.TrimSpace(trimmed[:idx])
			rhsStr := strings.TrimSpace(trimmed[idx+len(op):])
			if lhsStr == "" || rhsStr == "" {
				return nil, types.Errorf(types.ErrInvalidDefinition,
					"malformed guard expression %q", expr)
			}
			return &guardExpr{
				lhs: parseOperand(lhsStr),
				op:  op,
				rhs: parseOperand(rhsStr),
			}, nil
		}
	}

	if strings.ContainsAny(trimmed, " \t") {
		return nil, types.Errorf(types.ErrInvalidDefinition,
			"unsupported guard expression %q", expr)
	}
	return &guardExpr{lhs: parseOperand(trimmed)}, nil
}

func parseOperand(s string) guardOperand {
	if ref, ok := ParseRef(s); ok {
		return guardOperand{ref: &ref}
	}
	return guardOperand{literal: parseLiteral(s)}
}

func parseLiteral(s string) any {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null", "nil":
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func evalOperand(op guardOperand, b *BindingStore) any {
	if op.ref == nil {
		return op.literal
	}
	if v, ok := b.Resolve(*op.ref); ok {
		return v
	}
	return Absent
}

// truthy mirrors the resolution rules: nil, false, empty string, zero
// numbers and the Absent sentinel are false, everything else is true.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case absentSentinel:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}

// looseEqual compares two guard values after normalizing numbers, so a
// YAML 3 and a float 3.0 compare equal.
func looseEqual(a, b any) bool {
	if IsAbsent(a) || IsAbsent(b) {
		return IsAbsent(a) && IsAbsent(b)
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}
