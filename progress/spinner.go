// spinner.go - Spinner fuer Schritte ohne bekannte Dauer
package progress

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Spinner zeigt eine Statusmeldung mit drehendem Zeichen
type Spinner struct {
	message atomic.Value
	parts   []string
	value   atomic.Int64
	ticker  *time.Ticker
	started time.Time
	stopped atomic.Bool
}

// NewSpinner erstellt und startet einen Spinner
func NewSpinner(message string) *Spinner {
	s := &Spinner{
		parts:   []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		ticker:  time.NewTicker(100 * time.Millisecond),
		started: time.Now(),
	}
	s.SetMessage(message)
	go s.start()
	return s
}

// SetMessage aendert die Statusmeldung
func (s *Spinner) SetMessage(message string) {
	s.message.Store(message)
}

func (s *Spinner) String() string {
	message, _ := s.message.Load().(string)
	if s.stopped.Load() {
		return message
	}

	if message != "" {
		message += " "
	}
	return fmt.Sprintf("%s%s", message, s.parts[s.value.Load()])
}

func (s *Spinner) start() {
	for range s.ticker.C {
		s.value.Store((s.value.Load() + 1) % int64(len(s.parts)))
		if s.stopped.Load() {
			return
		}
	}
}

// Stop haelt den Spinner an; die Meldung bleibt stehen
func (s *Spinner) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		s.ticker.Stop()
	}
}
