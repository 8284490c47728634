package store

import (
	"cmp"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/alimasry/otsync/errs"
	"github.com/alimasry/otsync/ot"
)

// Validate checks the query shape without running it.
func (q Query) Validate() error {
	if q.Limit < 0 {
		return errs.Newf(errs.QueryBadlyFormed, "negative limit %d", q.Limit)
	}
	for _, s := range q.Sort {
		if s.Field == "" {
			return errs.New(errs.QueryBadlyFormed, "sort key has empty field")
		}
	}
	for path, cond := range q.Filter {
		if path == "" {
			return errs.New(errs.QueryBadlyFormed, "filter has empty field path")
		}
		if ops, ok := operators(cond); ok {
			for op := range ops {
				if _, known := matchers[op]; !known {
					return errs.Newf(errs.QueryBadlyFormed, "unknown operator %q on %q", op, path)
				}
			}
		}
	}
	return nil
}

// Match reports whether data satisfies filter. A filter value is either a
// literal, compared for structural equality, or an object of operators:
// $eq, $ne, $gt, $gte, $lt, $lte, $in, $nin, $exists.
func Match(data any, filter map[string]any) bool {
	for path, cond := range filter {
		v, found := lookup(data, path)
		ops, ok := operators(cond)
		if !ok {
			if !found || !equal(v, cond) {
				return false
			}
			continue
		}
		for op, arg := range ops {
			fn, known := matchers[op]
			if !known || !fn(v, found, arg) {
				return false
			}
		}
	}
	return true
}

// RunQuery filters, sorts and limits snapshots the way every adapter
// evaluates queries. Deleted and never-created snapshots never match.
func RunQuery(snaps []*Snapshot, q Query) ([]*Snapshot, any, error) {
	if err := q.Validate(); err != nil {
		return nil, nil, err
	}
	var matched []*Snapshot
	for _, s := range snaps {
		if s.Exists() && Match(s.Data, q.Filter) {
			matched = append(matched, s)
		}
	}
	slices.SortStableFunc(matched, func(a, b *Snapshot) int {
		for _, key := range q.Sort {
			av, _ := lookup(a.Data, key.Field)
			bv, _ := lookup(b.Data, key.Field)
			c := compareValues(av, bv)
			if key.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return cmp.Compare(a.ID, b.ID)
	})

	var extra any
	if q.Count {
		extra = len(matched)
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, extra, nil
}

// operators returns cond as an operator object when every key starts with $.
func operators(cond any) (map[string]any, bool) {
	m, ok := cond.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

var matchers = map[string]func(v any, found bool, arg any) bool{
	"$eq": func(v any, found bool, arg any) bool { return found && equal(v, arg) },
	"$ne": func(v any, found bool, arg any) bool { return !found || !equal(v, arg) },
	"$gt": func(v any, found bool, arg any) bool {
		c, ok := compareOrdered(v, arg)
		return found && ok && c > 0
	},
	"$gte": func(v any, found bool, arg any) bool {
		c, ok := compareOrdered(v, arg)
		return found && ok && c >= 0
	},
	"$lt": func(v any, found bool, arg any) bool {
		c, ok := compareOrdered(v, arg)
		return found && ok && c < 0
	},
	"$lte": func(v any, found bool, arg any) bool {
		c, ok := compareOrdered(v, arg)
		return found && ok && c <= 0
	},
	"$in": func(v any, found bool, arg any) bool {
		return found && slices.ContainsFunc(asList(arg), func(x any) bool { return equal(v, x) })
	},
	"$nin": func(v any, found bool, arg any) bool {
		return !found || !slices.ContainsFunc(asList(arg), func(x any) bool { return equal(v, x) })
	},
	"$exists": func(_ any, found bool, arg any) bool {
		want, _ := arg.(bool)
		return found == want
	},
}

func asList(v any) []any {
	l, _ := ot.Clone(v).([]any)
	return l
}

// lookup follows a dot-separated path through objects and lists.
func lookup(data any, path string) (any, bool) {
	cur := data
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b any) bool {
	return reflect.DeepEqual(ot.Clone(a), ot.Clone(b))
}

// compareOrdered compares two numbers or two strings.
func compareOrdered(a, b any) (int, bool) {
	a, b = ot.Clone(a), ot.Clone(b)
	switch x := a.(type) {
	case float64:
		if y, ok := b.(float64); ok {
			return cmp.Compare(x, y), true
		}
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y), true
		}
	}
	return 0, false
}

// compareValues orders any two values for sorting: missing and null first,
// then booleans, numbers, strings, and everything else as equal.
func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	if c, ok := compareOrdered(a, b); ok {
		return c
	}
	if x, ok := a.(bool); ok {
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	}
	return 0
}

func typeRank(v any) int {
	switch ot.Clone(v).(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}
