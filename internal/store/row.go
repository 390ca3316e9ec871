package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// AggregateValue is one aggregate column of a result row. Value is nil when
// every input was NULL.
type AggregateValue struct {
	Spec  string
	Value *float64
}

// AggregateRow is one group of an aggregate query: a calendar day for daily
// queries, an hour of day for hourly ones.
type AggregateRow struct {
	KeyName string // "date" or "hour"
	Key     string
	Values  []AggregateValue
	Count   int64
}

// Value returns the aggregate for spec.
func (r AggregateRow) Value(spec string) (*float64, bool) {
	for _, v := range r.Values {
		if v.Spec == spec {
			return v.Value, true
		}
	}
	return nil, false
}

// MarshalJSON writes the key, the aggregates in request order, then count.
// A spec requested twice is written once.
func (r AggregateRow) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeField := func(name string, v any) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(name))
		buf.WriteByte(':')
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", name, err)
		}
		buf.Write(b)
		return nil
	}

	if err := writeField(r.KeyName, r.Key); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(r.Values))
	for _, v := range r.Values {
		if seen[v.Spec] {
			continue
		}
		seen[v.Spec] = true
		if err := writeField(v.Spec, v.Value); err != nil {
			return nil, err
		}
	}
	if err := writeField(countAlias, r.Count); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
