// Package format renders counts, byte sizes and durations for the CLI and
// logs.
package format

import "fmt"

type unit struct {
	size   float64
	suffix string
}

var counts = []unit{{1e9, "B"}, {1e6, "M"}, {1e3, "K"}}

// scale divides v by the largest unit not above it. units are ordered
// largest first.
func scale(v float64, units []unit) (float64, string, bool) {
	for _, u := range units {
		if v >= u.size {
			return v / u.size, u.suffix, true
		}
	}
	return v, "", false
}

// HumanNumber abbreviates large counts, such as parameter totals.
func HumanNumber(n uint64) string {
	v, suffix, ok := scale(float64(n), counts)
	if !ok {
		return fmt.Sprintf("%d", n)
	}
	return significant(v) + suffix
}

// significant keeps three significant digits for values below 1000.
func significant(v float64) string {
	switch {
	case v >= 100:
		return fmt.Sprintf("%.0f", v)
	case v >= 10:
		return fmt.Sprintf("%.1f", v)
	default:
		return fmt.Sprintf("%.2f", v)
	}
}
