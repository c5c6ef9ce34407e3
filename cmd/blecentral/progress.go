package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ProgressPrinter displays a single status line with elapsed or remaining
// seconds while a command waits on the radio.
//
// Usage:
//
//	p := NewProgressPrinter(out, "Connecting to AA:BB", "Connecting")
//	p.Start()
//	defer p.Stop()
//
// Output is suppressed when out is not a terminal, so piped and captured
// output stays clean. A ProgressPrinter is single-use.
type ProgressPrinter struct {
	out      io.Writer
	enabled  bool
	prefix   string
	phase    atomic.Value // string
	duration time.Duration
	countUp  bool

	startOnce sync.Once
	stopOnce  sync.Once
	startTime time.Time
	stop      chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a printer that counts elapsed seconds up.
func NewProgressPrinter(out io.Writer, prefix, phase string) *ProgressPrinter {
	p := &ProgressPrinter{
		out:     out,
		enabled: isTerminal(out),
		prefix:  prefix,
		countUp: true,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

// NewCountdownProgressPrinter creates a printer that counts down from duration.
func NewCountdownProgressPrinter(out io.Writer, prefix, phase string, duration time.Duration) *ProgressPrinter {
	p := NewProgressPrinter(out, prefix, phase)
	p.countUp = false
	p.duration = duration
	return p
}

// Start begins displaying updates in a background goroutine.
func (p *ProgressPrinter) Start() {
	p.startOnce.Do(func() {
		p.startTime = time.Now()
		if !p.enabled {
			close(p.done)
			return
		}
		p.print()
		go p.loop()
	})
}

// SetPhase changes the phase shown in parentheses.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
}

// Stop clears the line. It is safe to call more than once.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		p.startOnce.Do(func() { close(p.done) })
		close(p.stop)
		<-p.done
		if p.enabled {
			fmt.Fprint(p.out, clearLineSequence)
		}
	})
}

func (p *ProgressPrinter) loop() {
	defer close(p.done)
	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.print()
		}
	}
}

func (p *ProgressPrinter) print() {
	phase := p.phase.Load().(string)
	elapsed := time.Since(p.startTime)

	var seconds int
	if p.countUp {
		seconds = int(elapsed.Seconds())
	} else if remaining := p.duration - elapsed; remaining > 0 {
		// round to the nearest second
		seconds = int(remaining.Seconds() + 0.5)
	}

	status := color.New(color.FgCyan).Sprint(phase)
	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, status, seconds)
	} else {
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, status)
	}
}
