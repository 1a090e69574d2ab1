// Package progress renders the live run view: one line per slot plus one
// aggregate line. It is a pure observer over shared state; removing it never
// changes engine behavior, and nothing else writes to its output.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/SYSNET-LUMS/urlmeter/internal/domain"
)

const (
	maxURLWidth = 120
	barWidth    = 40
)

var (
	slotLabelStyle = lipgloss.NewStyle().Bold(true)
	idleStyle      = lipgloss.NewStyle().Faint(true)
	barStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

// Snapshot is one consistent read of the shared run state.
type Snapshot struct {
	Slots     []domain.SlotState
	Completed int64
	Total     int64
}

// Reporter redraws the terminal on an interval.
type Reporter struct {
	snap     func() Snapshot
	out      io.Writer
	interval time.Duration

	stopCh chan struct{}
	done   chan struct{}
}

// NewReporter creates a reporter reading snapshots through snap. A nil out
// defaults to stdout.
func NewReporter(snap func() Snapshot, out io.Writer, interval time.Duration) *Reporter {
	if out == nil {
		out = os.Stdout
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Reporter{
		snap:     snap,
		out:      out,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the redraw loop.
func (r *Reporter) Start() {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				fmt.Fprint(r.out, Render(r.snap()))
				return
			case <-ticker.C:
				fmt.Fprint(r.out, "\033[2J\033[H"+Render(r.snap()))
			}
		}
	}()
}

// Stop draws one last frame and ends the loop.
func (r *Reporter) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	<-r.done
}

// Render draws one frame: a line per slot, a blank line, then the aggregate
// progress line.
func Render(s Snapshot) string {
	var b strings.Builder
	for _, slot := range s.Slots {
		label := slotLabelStyle.Render(fmt.Sprintf("Slot %2d:", slot.ID))
		switch slot.Status {
		case domain.SlotWorking:
			fmt.Fprintf(&b, "%s working on %s\n", label, TruncateURL(slot.URL, maxURLWidth))
		default:
			fmt.Fprintf(&b, "%s %s\n", label, idleStyle.Render("idle"))
		}
	}
	b.WriteString("\n")

	pct := 100.0
	filled := barWidth
	if s.Total > 0 {
		pct = float64(s.Completed) / float64(s.Total) * 100
		filled = int(float64(s.Completed) / float64(s.Total) * barWidth)
	}
	if filled > barWidth {
		filled = barWidth
	}
	bar := barStyle.Render(strings.Repeat("#", filled)) + strings.Repeat(" ", barWidth-filled)
	fmt.Fprintf(&b, "Total URLs: %d/%d [%s] (%.1f%%)\n", s.Completed, s.Total, bar, pct)
	return b.String()
}

// TruncateURL shortens a URL for single-line display.
func TruncateURL(u string, max int) string {
	if len(u) <= max {
		return u
	}
	if max <= 3 {
		return u[:max]
	}
	return u[:max-3] + "..."
}
