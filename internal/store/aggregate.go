package store

import (
	"strconv"
	"strings"
)

var aggregateFuncs = map[string]string{
	"avg": "AVG",
	"max": "MAX",
	"min": "MIN",
	"sum": "SUM",
}

// Aggregate is one parsed "<func>_<field>" spec.
type Aggregate struct {
	Spec   string // as requested; used as the output alias
	Func   string // upper-case SQL function
	Column string
}

// SQL renders the select fragment for a, e.g. AVG("outTemp") AS "avg_outTemp".
func (a Aggregate) SQL() string {
	return a.Func + "(" + quoteIdent(a.Column) + ") AS " + quoteIdent(a.Spec)
}

// ParseAggregates validates every spec before returning any of them: one bad
// spec fails the whole list.
func ParseAggregates(specs []string) ([]Aggregate, error) {
	if len(specs) == 0 {
		return nil, newError(KindMissingAggregationFields, "at least one aggregation field is required, e.g. q=avg_outTemp")
	}
	out := make([]Aggregate, 0, len(specs))
	for _, spec := range specs {
		a, err := parseAggregate(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func parseAggregate(spec string) (Aggregate, error) {
	fn, column, ok := strings.Cut(spec, "_")
	if !ok {
		return Aggregate{}, invalidFormat(spec)
	}
	sqlFunc, ok := aggregateFuncs[strings.ToLower(fn)]
	if !ok {
		return Aggregate{}, invalidFormat(spec)
	}
	if !identRe.MatchString(column) {
		return Aggregate{}, invalidFormat(spec)
	}
	return Aggregate{Spec: spec, Func: sqlFunc, Column: column}, nil
}

func invalidFormat(spec string) *Error {
	return newError(KindInvalidFormat, "invalid aggregation field %s (expected <avg|max|min|sum>_<field>)", strconv.Quote(spec))
}

// countAlias is the trailing row-count column of every aggregate query.
const countAlias = "count"

// BuildSelect renders one fragment per spec, in order, followed by the row
// count fragment.
func BuildSelect(specs []string) ([]string, error) {
	aggs, err := ParseAggregates(specs)
	if err != nil {
		return nil, err
	}
	return selectParts(aggs), nil
}

func selectParts(aggs []Aggregate) []string {
	parts := make([]string, 0, len(aggs)+1)
	for _, a := range aggs {
		parts = append(parts, a.SQL())
	}
	return append(parts, "COUNT(*) AS "+countAlias)
}
