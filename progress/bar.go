// bar.go - Fortschrittsbalken mit Byte-Angaben
package progress

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/mtllama/modeldelta/format"
)

// Bar zeigt den Fortschritt einer Operation mit bekannter Gesamtgroesse
type Bar struct {
	message string
	unit    func(int64) string

	mu           sync.Mutex
	maxValue     int64
	initialValue int64
	currentValue int64
	started      time.Time
	stopped      time.Time
}

// NewBar erstellt einen Balken, der bei initialValue startet
func NewBar(message string, maxValue, initialValue int64) *Bar {
	return &Bar{
		message:      message,
		unit:         format.HumanBytes,
		maxValue:     maxValue,
		initialValue: initialValue,
		currentValue: initialValue,
		started:      time.Now(),
	}
}

// NewCountBar erstellt einen Balken fuer Stueckzahlen (Dateien, Tensoren)
func NewCountBar(message string, maxValue, initialValue int64) *Bar {
	b := NewBar(message, maxValue, initialValue)
	b.unit = func(n int64) string { return strconv.FormatInt(n, 10) }
	return b
}

// Set setzt den aktuellen Wert
func (b *Bar) Set(value int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.currentValue = min(value, b.maxValue)
	if b.currentValue >= b.maxValue && b.stopped.IsZero() {
		b.stopped = time.Now()
	}
}

// SetTotal aendert den Maximalwert
func (b *Bar) SetTotal(total int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxValue = total
}

func (b *Bar) percent() float64 {
	if b.maxValue > 0 {
		return float64(b.currentValue) / float64(b.maxValue) * 100
	}
	return 0
}

func (b *Bar) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	termWidth, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil || termWidth <= 0 {
		termWidth = 80
	}

	pre := b.message
	if pre != "" {
		pre += " "
	}
	pre += fmt.Sprintf("%3.0f%% ", b.percent())

	suf := fmt.Sprintf(" %s/%s", b.unit(b.currentValue), b.unit(b.maxValue))
	if elapsed := b.elapsed(); elapsed > time.Second && b.currentValue > b.initialValue {
		rate := float64(b.currentValue-b.initialValue) / elapsed.Seconds()
		suf += fmt.Sprintf(", %s/s", b.unit(int64(rate)))
	}

	width := min(termWidth-len(pre)-len(suf)-2, 40)
	if width <= 0 {
		return pre + suf
	}

	filled := int(float64(width) * b.percent() / 100)
	return pre + "▕" + strings.Repeat("█", filled) + strings.Repeat(" ", width-filled) + "▏" + suf
}

func (b *Bar) elapsed() time.Duration {
	if !b.stopped.IsZero() {
		return b.stopped.Sub(b.started)
	}
	return time.Since(b.started)
}
