package progress

import (
	"strings"
	"sync"
	"time"
)

var frames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner animates next to a message until stopped and then shows how long
// the step took.
type Spinner struct {
	mu      sync.Mutex
	message string
	started time.Time
	stopped time.Time
}

func NewSpinner(message string) *Spinner {
	return &Spinner{message: strings.TrimSpace(message), started: time.Now()}
}

func (s *Spinner) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped.IsZero() {
		return s.message + " (" + s.stopped.Sub(s.started).Round(10*time.Millisecond).String() + ")"
	}

	frame := int(time.Since(s.started)/refresh) % len(frames)
	return s.message + " " + frames[frame]
}

func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.IsZero() {
		s.stopped = time.Now()
	}
}
