package pipeline

import (
	"strconv"
	"strings"
)

// byteRange is the outcome of parsing a client Range header against a
// known content length.
type byteRange struct {
	present     bool
	multi       bool
	satisfiable bool
	start       int64
	end         int64 // inclusive
}

// parseRange parses a "bytes=..." Range header. Multi-range requests are
// flagged but not split — the caller falls back to a full 200 for those,
// per the single-range-only implementation.
func parseRange(header string, size int64) byteRange {
	if header == "" {
		return byteRange{}
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return byteRange{}
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return byteRange{}
	}
	if strings.Contains(spec, ",") {
		return byteRange{present: true, multi: true}
	}

	a, b, ok := strings.Cut(spec, "-")
	if !ok {
		return byteRange{present: true, satisfiable: false}
	}
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)

	var start, end int64
	switch {
	case a == "" && b != "":
		// suffix range: last N bytes
		n, err := strconv.ParseInt(b, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{present: true, satisfiable: false}
		}
		start = size - n
		if start < 0 {
			start = 0
		}
		end = size - 1
	case a != "" && b == "":
		n, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return byteRange{present: true, satisfiable: false}
		}
		start = n
		end = size - 1
	case a != "" && b != "":
		sn, err1 := strconv.ParseInt(a, 10, 64)
		en, err2 := strconv.ParseInt(b, 10, 64)
		if err1 != nil || err2 != nil {
			return byteRange{present: true, satisfiable: false}
		}
		start, end = sn, en
	default:
		return byteRange{present: true, satisfiable: false}
	}

	if start < 0 || start >= size || end < start {
		return byteRange{present: true, satisfiable: false}
	}
	if end >= size {
		end = size - 1
	}

	return byteRange{present: true, satisfiable: true, start: start, end: end}
}
