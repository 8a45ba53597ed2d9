package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixed string

func (f fixed) String() string {
	return string(f)
}

func TestProgressPlainWriter(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)
	p.Add("a", fixed("first"))
	p.Add("b", fixed("second"))
	p.Add("a", fixed("replaced"))

	assert.True(t, p.Stop())
	assert.False(t, p.Stop())
	assert.Equal(t, "replaced\nsecond\n", buf.String())
}

func TestProgressStopAndClear(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)
	s := NewSpinner("Loading text guidance...")
	p.Add("", s)

	assert.True(t, p.StopAndClear())
	assert.Empty(t, buf.String())
	assert.True(t, strings.HasSuffix(s.String(), ")"), "spinner should be stopped")
}

func TestStepBar(t *testing.T) {
	s := NewStepBar("Generating", 4)
	assert.Equal(t, "Generating   0% ▕    ▏ 0/4", s.String())

	s.Set(2, "Step 2 / 4 (0.10s / step)")
	assert.Equal(t, "Generating  50% ▕██  ▏ 2/4 Step 2 / 4 (0.10s / step)", s.String())

	s.Set(9, "Decoding...")
	assert.Equal(t, "Generating 100% ▕████▏ 4/4 Decoding...", s.String())
}

func TestBar(t *testing.T) {
	b := NewBar("pulling weights", 2000, 0)
	b.Set(1000)
	assert.InDelta(t, 50, b.percent(), 1e-9)

	out := b.render(100)
	assert.True(t, strings.HasPrefix(out, "pulling weights  50% ▕"), out)
	assert.Contains(t, out, "(1.0 KB/2.0 KB)")

	b.Set(5000)
	assert.InDelta(t, 100, b.percent(), 1e-9)
	assert.Contains(t, b.render(100), "(2.0 KB/2.0 KB)")
}

func TestBarNarrow(t *testing.T) {
	b := NewBar("pulling weights", 2000, 0)
	out := b.render(10)
	assert.NotContains(t, out, "▕")
	assert.Equal(t, "pulling weights   0% (0 B/2.0 KB)", strings.TrimRight(out, " "))
}

func TestBarRemaining(t *testing.T) {
	b := NewBar("pulling weights", 10000, 0)
	start := time.Now()
	b.sample(start)

	_, ok := b.remaining()
	require.False(t, ok)

	b.current = 2000
	b.sample(start.Add(time.Second))

	left, ok := b.remaining()
	require.True(t, ok)
	assert.Equal(t, 4*time.Second, left)

	b.current = 10000
	_, ok = b.remaining()
	assert.False(t, ok)
}

func TestSpinner(t *testing.T) {
	s := NewSpinner("Loading UNet part 1/3...")
	assert.True(t, strings.HasPrefix(s.String(), "Loading UNet part 1/3... "))

	s.Stop()
	out := s.String()
	assert.True(t, strings.HasPrefix(out, "Loading UNet part 1/3... ("), out)
	assert.True(t, strings.HasSuffix(out, ")"), out)
	assert.Equal(t, out, s.String())
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "1h5m", formatDuration(65*time.Minute))
	assert.Equal(t, "99h+", formatDuration(200*time.Hour))
}
