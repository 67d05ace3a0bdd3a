package media

import "time"

// Range is a presentation time interval [Start, End).
type Range struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Duration) bool {
	return r.Start <= t && t < r.End
}

// Covers reports whether [start, end] lies entirely inside the range.
func (r Range) Covers(start, end time.Duration) bool {
	return r.Start <= start && end <= r.End
}

// Duration returns the length of the range.
func (r Range) Duration() time.Duration {
	return r.End - r.Start
}

// IntersectRanges returns the intersection of two sorted, non-overlapping
// range lists.
func IntersectRanges(a, b []Range) []Range {
	out := make([]Range, 0, min(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := max(a[i].Start, b[j].Start)
		end := min(a[i].End, b[j].End)
		if start < end {
			out = append(out, Range{Start: start, End: end})
		}
		if a[i].End < b[j].End {
			i++
		} else {
			j++
		}
	}
	return out
}

// RangesContain reports whether any range in rs contains t.
func RangesContain(rs []Range, t time.Duration) bool {
	for _, r := range rs {
		if r.Contains(t) {
			return true
		}
	}
	return false
}

// BufferedAhead returns how much contiguous media lies ahead of position in rs.
func BufferedAhead(rs []Range, position time.Duration) time.Duration {
	for _, r := range rs {
		if r.Contains(position) {
			return r.End - position
		}
	}
	return 0
}
