package progress

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jmorganca/stagediff/format"
)

// statsWidth is the column reserved for the byte counts, rate and timing
// to the right of the bar.
const statsWidth = 44

// Bar tracks the bytes written for one weight file.
type Bar struct {
	mu      sync.Mutex
	message string

	total   int64
	initial int64
	current int64

	started time.Time

	// rate is sampled at most once a second
	sampled     time.Time
	sampledFrom int64
	rate        float64
}

func NewBar(message string, total, initial int64) *Bar {
	return &Bar{
		message: strings.TrimSpace(message),
		total:   total,
		initial: initial,
		current: initial,
		started: time.Now(),
	}
}

func (b *Bar) Set(value int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = min(value, b.total)
	b.sample(time.Now())
}

func (b *Bar) sample(now time.Time) {
	if b.sampled.IsZero() {
		b.sampled, b.sampledFrom = now, b.current
		return
	}

	elapsed := now.Sub(b.sampled)
	if elapsed < time.Second {
		return
	}

	rate := float64(b.current-b.sampledFrom) / elapsed.Seconds()
	if b.rate > 0 {
		rate = (b.rate + rate) / 2
	}

	b.rate = rate
	b.sampled, b.sampledFrom = now, b.current
}

func (b *Bar) percent() float64 {
	if b.total > 0 {
		return float64(b.current) / float64(b.total) * 100
	}
	return 0
}

func (b *Bar) remaining() (time.Duration, bool) {
	if b.rate <= 0 || b.current >= b.total {
		return 0, false
	}
	return time.Duration(float64(b.total-b.current) / b.rate * float64(time.Second)), true
}

// formatDuration limits the rendering of a time.Duration to 2 units
func formatDuration(d time.Duration) string {
	if d >= 100*time.Hour {
		return "99h+"
	}

	if d >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}

	return d.Round(time.Second).String()
}

func (b *Bar) String() string {
	return b.render(termWidth())
}

func (b *Bar) render(width int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	pre := fmt.Sprintf("%s %3.0f%% ", b.message, math.Floor(b.percent()))

	var suf strings.Builder
	fmt.Fprintf(&suf, " (%s/%s", format.HumanBytes(b.current), format.HumanBytes(b.total))

	active := b.current > b.initial && b.current < b.total
	if active && b.rate > 0 {
		fmt.Fprintf(&suf, ", %s/s", format.HumanBytes(int64(b.rate)))
	}
	suf.WriteString(")")

	var timing string
	if left, ok := b.remaining(); ok && active {
		timing = fmt.Sprintf("[%s:%s]", formatDuration(time.Since(b.started)), formatDuration(left))
	}

	if pad := statsWidth - suf.Len() - len(timing); pad > 0 {
		suf.WriteString(strings.Repeat(" ", pad))
	}
	suf.WriteString(timing)

	// two boundary characters
	n := width - utf8.RuneCountInString(pre) - suf.Len() - 2
	if n <= 0 {
		return pre + strings.TrimLeft(suf.String(), " ")
	}

	filled := int(float64(n) * b.percent() / 100)
	return pre + "▕" + strings.Repeat("█", filled) + strings.Repeat(" ", n-filled) + "▏" + suf.String()
}
