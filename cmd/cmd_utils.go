// cmd_utils.go - Gemeinsame Hilfsfunktionen
// Hauptfunktionen: newProgress, stringFlags
package cmd

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mtllama/modeldelta/delta"
	"github.com/mtllama/modeldelta/progress"
)

// newProgress - Erstellt die Fortschrittsanzeige auf stderr. Ohne Terminal gibt es
// keine Anzeige, stop ist dann ein No-op.
func newProgress() (fn delta.ProgressFunc, stop func()) {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil, func() {}
	}

	p := progress.NewProgress(os.Stderr)

	var mu sync.Mutex
	bars := make(map[string]*progress.Bar)
	var status string
	var spinner *progress.Spinner

	fn = func(resp delta.ProgressResponse) {
		mu.Lock()
		defer mu.Unlock()

		if resp.Total > 0 {
			if spinner != nil {
				spinner.Stop()
				spinner = nil
			}

			bar, ok := bars[resp.Status]
			if !ok {
				if resp.Bytes {
					bar = progress.NewBar(resp.Status, resp.Total, resp.Completed)
				} else {
					bar = progress.NewCountBar(resp.Status, resp.Total, resp.Completed)
				}
				bars[resp.Status] = bar
				p.Add(resp.Status, bar)
			}

			bar.SetTotal(resp.Total)
			bar.Set(resp.Completed)
		} else if status != resp.Status {
			if spinner != nil {
				spinner.Stop()
			}

			status = resp.Status
			spinner = progress.NewSpinner(status)
			p.Add(status, spinner)
		}
	}

	return fn, func() { p.Stop() }
}

// stringFlags - Liest mehrere String-Flags auf einmal
func stringFlags(cmd *cobra.Command, names ...string) (map[string]string, error) {
	values := make(map[string]string, len(names))
	var errs []error
	for _, name := range names {
		v, err := cmd.Flags().GetString(name)
		errs = append(errs, err)
		values[name] = v
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("error retrieving flags: %w", err)
	}
	return values, nil
}
