package synckit

import (
	"fmt"
	"sort"
)

// PreparedQuery is the minimal query shape storage instances accept:
// top-level field equality, an optional sort field and paging.
type PreparedQuery struct {
	Selector       map[string]any `json:"selector,omitempty"`
	IncludeDeleted bool           `json:"includeDeleted,omitempty"`
	SortField      string         `json:"sort,omitempty"`
	Descending     bool           `json:"descending,omitempty"`
	Limit          int            `json:"limit,omitempty"`
	Skip           int            `json:"skip,omitempty"`
}

// Matches reports whether doc satisfies the selector and deletion filter.
func (q PreparedQuery) Matches(doc DocumentState) bool {
	if doc.Deleted && !q.IncludeDeleted {
		return false
	}
	for k, want := range q.Selector {
		got, ok := doc.Data[k]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// Apply filters, sorts and pages docs. Results are ordered by SortField and
// then by id, so equal queries always return the same order.
func (q PreparedQuery) Apply(docs []DocumentState) []DocumentState {
	out := make([]DocumentState, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.SortField != "" {
			c := compareValues(out[i].Data[q.SortField], out[j].Data[q.SortField])
			if c != 0 {
				if q.Descending {
					return c > 0
				}
				return c < 0
			}
		}
		return out[i].ID < out[j].ID
	})
	if q.Skip > 0 {
		if q.Skip >= len(out) {
			return []DocumentState{}
		}
		out = out[q.Skip:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// compareValues orders missing values first, then numbers, then strings,
// then everything else by its printed form.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0:
		return 0
	case 1:
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 2:
		sa, sb := a.(string), b.(string)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

func rank(v any) int {
	switch {
	case v == nil:
		return 0
	case isNumber(v):
		return 1
	}
	if _, ok := v.(string); ok {
		return 2
	}
	return 3
}
