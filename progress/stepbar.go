package progress

import (
	"fmt"
	"strings"
	"sync"
)

// StepBar shows denoising progress with the engine's latest status line.
type StepBar struct {
	mu      sync.Mutex
	message string
	status  string
	current int
	total   int
	width   int
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: total, width: min(max(total, 1), 30)}
}

func (s *StepBar) Set(current int, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = min(current, s.total)
	s.status = status
}

func (s *StepBar) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var percent float64
	if s.total > 0 {
		percent = float64(s.current) / float64(s.total)
	}

	filled := int(percent * float64(s.width))

	// "Generating  40% ▕████      ▏ 4/10 Step 4 / 10 (0.52s / step)"
	line := fmt.Sprintf("%s %3.0f%% ▕%s%s▏ %d/%d",
		s.message, percent*100,
		strings.Repeat("█", filled), strings.Repeat(" ", s.width-filled),
		s.current, s.total)
	if s.status != "" {
		line += " " + s.status
	}
	return line
}
