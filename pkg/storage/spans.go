package storage

import "sort"

// Span is a half-open byte range [Start, End).
type Span struct {
	Start int64 `msgpack:"s"`
	End   int64 `msgpack:"e"`
}

// spans is a sorted list of disjoint, non-adjacent ranges.
type spans []Span

// covers reports whether [start, end) lies within one recorded range.
func (s spans) covers(start, end int64) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i].End >= end })
	return i < len(s) && s[i].Start <= start
}

// add records [start, end) and returns how many of its bytes were new.
func (s *spans) add(start, end int64) int64 {
	if end <= start {
		return 0
	}
	added := end - start
	merged := make(spans, 0, len(*s)+1)
	for _, r := range *s {
		switch {
		case r.End < start || r.Start > end:
			merged = append(merged, r)
		default:
			// overlapping or touching
			lo, hi := maxInt64(r.Start, start), minInt64(r.End, end)
			if hi > lo {
				added -= hi - lo
			}
			start, end = minInt64(r.Start, start), maxInt64(r.End, end)
		}
	}
	merged = append(merged, Span{Start: start, End: end})
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })
	*s = merged
	return added
}

// firstGap is the lowest offset not yet recorded.
func (s spans) firstGap() int64 {
	if len(s) == 0 || s[0].Start > 0 {
		return 0
	}
	return s[0].End
}

func (s spans) total() int64 {
	var n int64
	for _, r := range s {
		n += r.End - r.Start
	}
	return n
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
