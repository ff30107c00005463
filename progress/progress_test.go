package progress

import (
	"bytes"
	"strings"
	"testing"
)

func TestBar(t *testing.T) {
	b := NewBar("saving delta", 200, 0)
	b.Set(100)
	if s := b.String(); !strings.Contains(s, "saving delta  50%") || !strings.Contains(s, "100 B/200 B") {
		t.Errorf("unexpected bar %q", s)
	}

	b.Set(500)
	if s := b.String(); !strings.Contains(s, "100%") {
		t.Errorf("value must be clamped: %q", s)
	}
}

func TestCountBar(t *testing.T) {
	b := NewCountBar("calculating delta", 4, 0)
	b.Set(3)
	if s := b.String(); !strings.Contains(s, " 75%") || !strings.Contains(s, " 3/4") {
		t.Errorf("unexpected bar %q", s)
	}
}

func TestProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)
	s := NewSpinner("loading base model")
	p.Add("base", s)
	p.Add("bar", NewBar("calculating delta", 10, 10))

	if !p.Stop() {
		t.Fatal("first stop must report true")
	}
	if p.Stop() {
		t.Error("second stop must report false")
	}

	out := buf.String()
	if !strings.Contains(out, "loading base model") || !strings.Contains(out, "calculating delta 100%") {
		t.Errorf("unexpected output %q", out)
	}

	if got := s.String(); got != "loading base model" {
		t.Errorf("stopped spinner: got %q", got)
	}
}
