package format

import (
	"fmt"
	"strings"
	"time"
)

// ExactDuration returns a human readable hours/minutes/seconds or
// milliseconds format of a duration.
func ExactDuration(d time.Duration) string {
	if d < time.Second {
		if d.Milliseconds() == 1 {
			return "1 millisecond"
		}
		return fmt.Sprintf("%d milliseconds", d.Milliseconds())
	}

	d = d.Round(time.Second)
	parts := []struct {
		n    int
		unit string
	}{
		{int(d.Hours()), "hour"},
		{int(d.Minutes()) % 60, "minute"},
		{int(d.Seconds()) % 60, "second"},
	}

	var sb strings.Builder
	for _, p := range parts {
		switch p.n {
		case 0:
		case 1:
			fmt.Fprintf(&sb, "1 %s ", p.unit)
		default:
			fmt.Fprintf(&sb, "%d %ss ", p.n, p.unit)
		}
	}

	return strings.TrimSpace(sb.String())
}

// StepRate formats the average time per step.
func StepRate(d time.Duration, steps int) string {
	if steps <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.2fs/step", d.Seconds()/float64(steps))
}
