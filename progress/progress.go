// Package progress renders live status lines for long running commands:
// stage loading, weight downloads and denoising steps.
package progress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	defaultTermWidth  = 80
	defaultTermHeight = 24

	refresh = 100 * time.Millisecond
)

type State interface {
	String() string
}

// Stopper is implemented by states that animate until they are stopped.
type Stopper interface {
	Stop()
}

type line struct {
	key   string
	state State
}

// Progress redraws its lines in place while attached to a terminal. Any other
// writer only receives the final lines when the progress is stopped.
type Progress struct {
	mu sync.Mutex
	// buffer output to minimize flickering on all terminals
	w   *bufio.Writer
	fd  int
	tty bool

	pos   int
	lines []line

	done    chan struct{}
	wg      sync.WaitGroup
	stopped bool
}

func NewProgress(w io.Writer) *Progress {
	p := &Progress{w: bufio.NewWriter(w), fd: -1, done: make(chan struct{})}
	if f, ok := w.(interface{ Fd() uintptr }); ok && term.IsTerminal(int(f.Fd())) {
		p.fd = int(f.Fd())
		p.tty = true
	}

	p.wg.Add(1)
	go p.run()
	return p
}

// Add appends state, or replaces the state already shown under key.
func (p *Progress) Add(key string, state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if key != "" {
		for i := range p.lines {
			if p.lines[i].key == key {
				p.lines[i].state = state
				return
			}
		}
	}

	p.lines = append(p.lines, line{key: key, state: state})
}

// Stop leaves the final lines on screen. It reports false if the progress
// was already stopped.
func (p *Progress) Stop() bool {
	return p.finish(false)
}

// StopAndClear removes every line it drew.
func (p *Progress) StopAndClear() bool {
	return p.finish(true)
}

func (p *Progress) finish(erase bool) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, l := range p.lines {
		if s, ok := l.state.(Stopper); ok {
			s.Stop()
		}
	}

	switch {
	case !p.tty:
		if !erase {
			for _, l := range p.lines {
				fmt.Fprintln(p.w, l.state.String())
			}
		}
	case erase:
		p.rewind()
		fmt.Fprint(p.w, "\033[J")
	default:
		p.draw()
		fmt.Fprintln(p.w)
	}

	if p.tty {
		// show cursor
		fmt.Fprint(p.w, "\033[?25h")
	}
	p.w.Flush()
	return true
}

func (p *Progress) run() {
	defer p.wg.Done()
	if !p.tty {
		<-p.done
		return
	}

	p.mu.Lock()
	// hide cursor
	fmt.Fprint(p.w, "\033[?25l")
	p.mu.Unlock()

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.mu.Lock()
			p.draw()
			p.mu.Unlock()
		}
	}
}

// rewind moves the cursor to the start of the first drawn line.
func (p *Progress) rewind() {
	for range p.pos - 1 {
		fmt.Fprint(p.w, "\033[A")
	}
	fmt.Fprint(p.w, "\033[1G")
}

func (p *Progress) draw() {
	height := defaultTermHeight
	if _, h, err := term.GetSize(p.fd); err == nil {
		height = h
	}

	// synchronized update
	fmt.Fprint(p.w, "\033[?2026h")
	p.rewind()

	start := max(len(p.lines)-height, 0)
	for i := start; i < len(p.lines); i++ {
		fmt.Fprint(p.w, p.lines[i].state.String(), "\033[K")
		if i < len(p.lines)-1 {
			fmt.Fprint(p.w, "\n")
		}
	}

	p.pos = len(p.lines) - start
	fmt.Fprint(p.w, "\033[?2026l")
	p.w.Flush()
}

func termWidth() int {
	if w, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil {
		return w
	}
	return defaultTermWidth
}
