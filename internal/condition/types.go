package condition

import "errors"

type Operator string

const (
	Equals      Operator = "equals"
	NotEquals   Operator = "notEquals"
	Contains    Operator = "contains"
	StartsWith  Operator = "startsWith"
	EndsWith    Operator = "endsWith"
	GreaterThan Operator = "greaterThan"
	LessThan    Operator = "lessThan"
	Between     Operator = "between"
	Matches     Operator = "matches"
	Exists      Operator = "exists"
)

// Operators lists every supported operator.
func Operators() []Operator {
	return []Operator{Equals, NotEquals, Contains, StartsWith, EndsWith, GreaterThan, LessThan, Between, Matches, Exists}
}

func (o Operator) Valid() bool {
	for _, op := range Operators() {
		if op == o {
			return true
		}
	}
	return false
}

type Logic string

const (
	And Logic = "AND"
	Or  Logic = "OR"
)

// Condition compares the value at Field (a dot path into event data) with Value.
type Condition struct {
	Field         string   `json:"field"`
	Operator      Operator `json:"operator"`
	Value         any      `json:"value,omitempty"`
	CaseSensitive bool     `json:"caseSensitive,omitempty"`
}

var (
	ErrUnknownOperator = errors.New("unknown operator")
	ErrNotComparable   = errors.New("values not comparable")
	ErrBadRange        = errors.New("between expects [min,max] or {min,max}")
)
