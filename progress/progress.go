// progress.go - Mehrzeilige Fortschrittsanzeige auf dem Terminal
// Haupttypen: Progress, State
package progress

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"
)

// State ist eine Zeile der Anzeige (Bar oder Spinner)
type State interface {
	String() string
}

// Progress zeichnet alle States alle 100ms neu
type Progress struct {
	mu sync.Mutex
	w  io.Writer

	pos    int
	states []State

	ticker *time.Ticker
	done   chan struct{}
}

// NewProgress startet die Anzeige auf w
func NewProgress(w io.Writer) *Progress {
	p := &Progress{
		w:      w,
		ticker: time.NewTicker(100 * time.Millisecond),
		done:   make(chan struct{}),
	}
	go p.start()
	return p
}

func (p *Progress) stop() bool {
	p.mu.Lock()
	if p.ticker == nil {
		p.mu.Unlock()
		return false
	}

	for _, state := range p.states {
		if spinner, ok := state.(*Spinner); ok {
			spinner.Stop()
		}
	}

	p.ticker.Stop()
	p.ticker = nil
	close(p.done)
	p.mu.Unlock()

	p.render()
	return true
}

// Stop zeichnet ein letztes Mal und beendet die Anzeige
func (p *Progress) Stop() bool {
	stopped := p.stop()
	if stopped {
		p.mu.Lock()
		fmt.Fprint(p.w, "\n")
		p.mu.Unlock()
	}
	return stopped
}

// StopAndClear beendet die Anzeige und loescht alle Zeilen
func (p *Progress) StopAndClear() bool {
	stopped := p.stop()
	if stopped {
		p.mu.Lock()
		defer p.mu.Unlock()
		fmt.Fprint(p.w, "\033[?25l")
		// Zeilen von unten nach oben loeschen
		for i := range p.pos {
			if i > 0 {
				fmt.Fprint(p.w, "\033[A")
			}
			fmt.Fprint(p.w, "\033[2K\033[1G")
		}
		fmt.Fprint(p.w, "\033[?25h")
	}

	return stopped
}

// Add haengt einen State als neue Zeile an
func (p *Progress) Add(key string, state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.states = append(p.states, state)
}

func (p *Progress) render() {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := bufio.NewWriter(p.w)
	defer w.Flush()

	fmt.Fprint(w, "\033[?25l")
	defer fmt.Fprint(w, "\033[?25h")

	// an den Anfang der Anzeige zurueck
	for i := range p.pos {
		if i > 0 {
			fmt.Fprint(w, "\033[A")
		}
		fmt.Fprint(w, "\033[1G")
	}

	for i, state := range p.states {
		fmt.Fprint(w, state.String())
		fmt.Fprint(w, "\033[K")
		if i < len(p.states)-1 {
			fmt.Fprint(w, "\n")
		}
	}

	p.pos = len(p.states)
}

func (p *Progress) start() {
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			p.render()
		}
	}
}
