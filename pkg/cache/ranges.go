package cache

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ByteRange is a half-open [Start, End) interval of a cache file.
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) Length() int64 { return r.End - r.Start }

func (r ByteRange) IsEmpty() bool { return r.End <= r.Start }

func (r ByteRange) String() string {
	return strconv.FormatInt(r.Start, 10) + "-" + strconv.FormatInt(r.End, 10)
}

// rangeTracker keeps the sorted, merged set of populated byte ranges of
// one cache file. Not safe for concurrent use; the owning CacheFile
// serializes access.
type rangeTracker struct {
	ranges []ByteRange
}

// add merges r into the tracked set.
func (t *rangeTracker) add(r ByteRange) {
	if r.IsEmpty() {
		return
	}

	merged := make([]ByteRange, 0, len(t.ranges)+1)
	inserted := false
	for _, existing := range t.ranges {
		switch {
		case existing.End < r.Start:
			merged = append(merged, existing)
		case r.End < existing.Start:
			if !inserted {
				merged = append(merged, r)
				inserted = true
			}
			merged = append(merged, existing)
		default:
			// overlap or adjacency: grow r
			if existing.Start < r.Start {
				r.Start = existing.Start
			}
			if existing.End > r.End {
				r.End = existing.End
			}
		}
	}
	if !inserted {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })
	t.ranges = merged
}

// contains reports whether r is fully populated.
func (t *rangeTracker) contains(r ByteRange) bool {
	if r.IsEmpty() {
		return true
	}
	for _, existing := range t.ranges {
		if existing.Start <= r.Start && r.End <= existing.End {
			return true
		}
	}
	return false
}

// missing returns the unpopulated gaps within r, in order.
func (t *rangeTracker) missing(r ByteRange) []ByteRange {
	if r.IsEmpty() {
		return nil
	}

	var gaps []ByteRange
	cursor := r.Start
	for _, existing := range t.ranges {
		if existing.End <= cursor {
			continue
		}
		if existing.Start >= r.End {
			break
		}
		if existing.Start > cursor {
			gaps = append(gaps, ByteRange{Start: cursor, End: existing.Start})
		}
		if existing.End > cursor {
			cursor = existing.End
		}
	}
	if cursor < r.End {
		gaps = append(gaps, ByteRange{Start: cursor, End: r.End})
	}
	return gaps
}

// completed returns a copy of the populated ranges.
func (t *rangeTracker) completed() []ByteRange {
	out := make([]ByteRange, len(t.ranges))
	copy(out, t.ranges)
	return out
}

// totalBytes sums the populated range lengths.
func (t *rangeTracker) totalBytes() int64 {
	var total int64
	for _, r := range t.ranges {
		total += r.Length()
	}
	return total
}

// EncodeRanges serializes ranges for the persistent-cache document, e.g.
// "0-100,200-300".
func EncodeRanges(ranges []ByteRange) string {
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ",")
}

// ParseRanges is the inverse of EncodeRanges.
func ParseRanges(encoded string) ([]ByteRange, error) {
	if encoded == "" {
		return nil, nil
	}
	parts := strings.Split(encoded, ",")
	ranges := make([]ByteRange, 0, len(parts))
	for _, part := range parts {
		bounds := strings.SplitN(part, "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("cache: malformed range %q", part)
		}
		start, err := strconv.ParseInt(bounds[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cache: malformed range start %q", part)
		}
		end, err := strconv.ParseInt(bounds[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cache: malformed range end %q", part)
		}
		if end < start {
			return nil, fmt.Errorf("cache: inverted range %q", part)
		}
		ranges = append(ranges, ByteRange{Start: start, End: end})
	}
	return ranges, nil
}

// RangesTotal sums the lengths of encoded ranges, tolerating garbage as
// zero so size accounting never fails a read path.
func RangesTotal(encoded string) int64 {
	ranges, err := ParseRanges(encoded)
	if err != nil {
		return 0
	}
	var total int64
	for _, r := range ranges {
		total += r.Length()
	}
	return total
}
