package aab

import (
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// BarReporter draws the completion percentage as a progress bar.
type BarReporter struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

// NewBarReporter returns a reporter drawing a 100-step bar on w.
func NewBarReporter(w io.Writer, description string) *BarReporter {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionOnCompletion(func() { _, _ = io.WriteString(w, "\n") }),
	)
	return &BarReporter{bar: bar}
}

func (r *BarReporter) Report(percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.bar.Set(clampPercent(percent))
}

// LineReporter prints the percentage as a plain line, for non-terminals.
type LineReporter struct {
	W     io.Writer
	Label string
}

func (r LineReporter) Report(percent int) {
	arrowf(r.W, colInfo, "%s: %d%%\n", r.Label, clampPercent(percent))
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
