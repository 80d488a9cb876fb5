package collection

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/ddpkit/ddp/ddperr"
)

// Engine is the embedded BSON-speaking matcher/modifier the collection
// delegates selector and modifier semantics to (spec §4.2, "Query
// engine contract"). Per the Open Question in spec §9 — "a
// re-implementation that controls the engine can drop the hex-parsing
// path entirely and return structured side effects from the query
// call" — Match and Apply return their results directly; there is no
// text side-channel to parse.
type Engine struct{}

// NewEngine returns a ready-to-use Engine. Engine holds no state of its
// own; a single instance may be shared across collections.
func NewEngine() *Engine { return &Engine{} }

var recognizedModifierOps = map[string]bool{
	"$set":   true,
	"$unset": true,
	"$inc":   true,
}

// ValidateModifier returns an error unless modifier is non-empty and
// every top-level key is a recognized operator ($set, $unset, $inc), per
// spec §3 ("an update without an operator is rejected").
func (e *Engine) ValidateModifier(modifier bson.M) error {
	if len(modifier) == 0 {
		return ddperr.New(ddperr.QueryEngineError, "modifier must contain at least one operator")
	}
	for op := range modifier {
		if !recognizedModifierOps[op] {
			return ddperr.WithCode(ddperr.QueryEngineError, fmt.Sprintf("unrecognized modifier operator %q", op), 1)
		}
	}
	return nil
}

// Apply returns a new document with modifier applied to doc. doc is not
// mutated.
func (e *Engine) Apply(modifier, doc bson.M) (bson.M, error) {
	if err := e.ValidateModifier(modifier); err != nil {
		return nil, err
	}
	out := cloneDoc(doc)
	if set, ok := modifier["$set"]; ok {
		for k, v := range mustM(set) {
			out[k] = v
		}
	}
	if unset, ok := modifier["$unset"]; ok {
		for k := range mustM(unset) {
			delete(out, k)
		}
	}
	if inc, ok := modifier["$inc"]; ok {
		for k, v := range mustM(inc) {
			out[k] = toFloat(out[k]) + toFloat(v)
		}
	}
	return out, nil
}

// Match reports whether doc satisfies selector. A nil or empty selector
// matches every document (spec §3).
func (e *Engine) Match(selector, doc bson.M) bool {
	for key, want := range selector {
		switch key {
		case "$and":
			for _, sub := range mustSlice(want) {
				if !e.Match(mustM(sub), doc) {
					return false
				}
			}
		case "$or":
			matched := false
			for _, sub := range mustSlice(want) {
				if e.Match(mustM(sub), doc) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		case "$not":
			if e.Match(mustM(want), doc) {
				return false
			}
		default:
			if !matchField(doc, key, want) {
				return false
			}
		}
	}
	return true
}

func matchField(doc bson.M, key string, want interface{}) bool {
	actual, exists := getField(doc, key)

	if ops, ok := toM(want); ok && isOperatorDoc(ops) {
		return matchOperators(actual, exists, ops)
	}
	if !exists {
		return false
	}
	return equalValues(actual, want)
}

func isOperatorDoc(m bson.M) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func matchOperators(actual interface{}, exists bool, ops bson.M) bool {
	for op, v := range ops {
		switch op {
		case "$eq":
			if !exists || !equalValues(actual, v) {
				return false
			}
		case "$ne":
			if exists && equalValues(actual, v) {
				return false
			}
		case "$exists":
			want, _ := v.(bool)
			if exists != want {
				return false
			}
		case "$in":
			if !exists {
				return false
			}
			found := false
			for _, item := range mustSlice(v) {
				if equalValues(actual, item) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case "$nin":
			if exists {
				for _, item := range mustSlice(v) {
					if equalValues(actual, item) {
						return false
					}
				}
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !exists {
				return false
			}
			c, ok := compareValues(actual, v)
			if !ok {
				return false
			}
			switch op {
			case "$gt":
				if c <= 0 {
					return false
				}
			case "$gte":
				if c < 0 {
					return false
				}
			case "$lt":
				if c >= 0 {
					return false
				}
			case "$lte":
				if c > 0 {
					return false
				}
			}
		default:
			return false
		}
	}
	return true
}

func getField(doc bson.M, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, p := range parts {
		m, ok := toM(cur)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func toM(v interface{}) (bson.M, bool) {
	switch t := v.(type) {
	case bson.M:
		return t, true
	case map[string]interface{}:
		return bson.M(t), true
	default:
		return nil, false
	}
}

func mustM(v interface{}) bson.M {
	m, _ := toM(v)
	if m == nil {
		return bson.M{}
	}
	return m
}

func mustSlice(v interface{}) []interface{} {
	switch t := v.(type) {
	case []interface{}:
		return t
	case bson.A:
		return []interface{}(t)
	default:
		return nil
	}
}

func toFloatOK(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

func toFloat(v interface{}) float64 {
	f, _ := toFloatOK(v)
	return f
}

func equalValues(a, b interface{}) bool {
	if af, ok := toFloatOK(a); ok {
		if bf, ok := toFloatOK(b); ok {
			return af == bf
		}
	}
	return deepEqual(a, b)
}

func compareValues(a, b interface{}) (int, bool) {
	if af, ok := toFloatOK(a); ok {
		if bf, ok := toFloatOK(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}
