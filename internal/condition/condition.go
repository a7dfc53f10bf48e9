package condition

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
)

// Evaluate reports whether cond holds for data. Any evaluation error is a non-match.
func Evaluate(data map[string]any, cond Condition) bool {
	ok, err := Check(data, cond)
	return err == nil && ok
}

// Match combines conditions with logic. An empty AND set matches; an empty OR set does not.
func Match(data map[string]any, conds []Condition, logic Logic) bool {
	if strings.EqualFold(string(logic), string(Or)) {
		for _, c := range conds {
			if Evaluate(data, c) {
				return true
			}
		}
		return false
	}
	for _, c := range conds {
		if !Evaluate(data, c) {
			return false
		}
	}
	return true
}

// Check evaluates cond and reports why it could not be decided.
// A missing field is (false, nil) for every operator but exists.
func Check(data map[string]any, cond Condition) (bool, error) {
	if !cond.Operator.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, cond.Operator)
	}
	actual, present := Resolve(data, cond.Field)
	if cond.Operator == Exists {
		return present, nil
	}
	if !present {
		return false, nil
	}

	switch cond.Operator {
	case Equals:
		return equal(actual, cond.Value), nil
	case NotEquals:
		return !equal(actual, cond.Value), nil
	case Contains:
		if list, ok := asList(actual); ok {
			for _, item := range list {
				if equal(item, cond.Value) {
					return true, nil
				}
			}
			return false, nil
		}
		return stringOp(actual, cond, strings.Contains)
	case StartsWith:
		return stringOp(actual, cond, strings.HasPrefix)
	case EndsWith:
		return stringOp(actual, cond, strings.HasSuffix)
	case GreaterThan:
		c, err := compare(actual, cond.Value)
		return c > 0, err
	case LessThan:
		c, err := compare(actual, cond.Value)
		return c < 0, err
	case Between:
		lo, hi, err := bounds(cond.Value)
		if err != nil {
			return false, err
		}
		cl, err := compare(actual, lo)
		if err != nil {
			return false, err
		}
		ch, err := compare(actual, hi)
		if err != nil {
			return false, err
		}
		return cl >= 0 && ch <= 0, nil
	case Matches:
		re, err := compileCached(cast.ToString(cond.Value))
		if err != nil {
			return false, err
		}
		return re.MatchString(stringify(actual)), nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, cond.Operator)
}

func stringOp(actual any, cond Condition, fn func(s, sub string) bool) (bool, error) {
	a, b := stringify(actual), stringify(cond.Value)
	if !cond.CaseSensitive {
		a, b = strings.ToLower(a), strings.ToLower(b)
	}
	return fn(a, b), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.Format(time.RFC3339)
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}

// equal compares numbers numerically and everything else structurally.
func equal(a, b any) bool {
	if isNumeric(a) && isNumeric(b) {
		fa, _ := cast.ToFloat64E(a)
		fb, _ := cast.ToFloat64E(b)
		return fa == fb
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
	}
	return reflect.DeepEqual(a, b)
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

// compare orders numbers (numeric strings included) or RFC3339 timestamps.
func compare(a, b any) (int, error) {
	if ta, ok := asTime(a); ok {
		if tb, ok := asTime(b); ok {
			return ta.Compare(tb), nil
		}
	}
	fa, errA := toNumber(a)
	fb, errB := toNumber(b)
	if errA != nil || errB != nil {
		return 0, fmt.Errorf("%w: %v vs %v", ErrNotComparable, a, b)
	}
	switch {
	case fa < fb:
		return -1, nil
	case fa > fb:
		return 1, nil
	}
	return 0, nil
}

func toNumber(v any) (float64, error) {
	if _, ok := v.(bool); ok {
		return 0, ErrNotComparable
	}
	if s, ok := v.(string); ok {
		v = strings.TrimSpace(s)
	}
	return cast.ToFloat64E(v)
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func bounds(v any) (any, any, error) {
	if list, ok := asList(v); ok {
		if len(list) != 2 {
			return nil, nil, ErrBadRange
		}
		return list[0], list[1], nil
	}
	if m, ok := v.(map[string]any); ok {
		lo, okLo := m["min"]
		hi, okHi := m["max"]
		if okLo && okHi {
			return lo, hi, nil
		}
	}
	return nil, nil, ErrBadRange
}

var (
	reMu    sync.Mutex
	reCache = map[string]*regexp.Regexp{}
)

func compileCached(expr string) (*regexp.Regexp, error) {
	reMu.Lock()
	defer reMu.Unlock()
	if re, ok := reCache[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	if len(reCache) > 512 {
		reCache = map[string]*regexp.Regexp{}
	}
	reCache[expr] = re
	return re, nil
}
