package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/zippy/internal/engine"
)

const barWidth = 40

var (
	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFCF40"))
	detailStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#1E90FF"))
	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00"))
	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000"))
)

// progressView redraws a single terminal line from an OperationTracker
// until stopped.
type progressView struct {
	out      io.Writer
	tracker  *engine.OperationTracker
	bar      progress.Model
	label    string
	detailed bool
	refresh  time.Duration

	stop chan struct{}
	done chan struct{}
	last string
}

func newProgressView(out io.Writer, tracker *engine.OperationTracker, label string, detailed bool) *progressView {
	return &progressView{
		out:      out,
		tracker:  tracker,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(barWidth)),
		label:    label,
		detailed: detailed,
		refresh:  250 * time.Millisecond,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins redrawing in the background.
func (v *progressView) Start() {
	go func() {
		defer close(v.done)
		ticker := time.NewTicker(v.refresh)
		defer ticker.Stop()
		for {
			wait := v.tracker.Wait()
			v.draw()
			select {
			case <-v.stop:
				return
			case <-wait:
			case <-ticker.C:
			}
		}
	}()
}

// Stop draws the final state and ends the line.
func (v *progressView) Stop() {
	close(v.stop)
	<-v.done
	v.draw()
	fmt.Fprintln(v.out)
}

func (v *progressView) draw() {
	line := v.line(v.tracker.Snapshot())
	if line == v.last {
		return
	}
	v.last = line
	fmt.Fprint(v.out, "\r\033[K"+line)
}

// line renders one snapshot.
func (v *progressView) line(snap engine.OperationProgress) string {
	var b strings.Builder
	b.WriteString(labelStyle.Render(v.label))
	b.WriteByte(' ')
	b.WriteString(v.bar.ViewAs(snap.Percent / 100))

	switch snap.Phase {
	case engine.PhaseValidating:
		b.WriteString(detailStyle.Render("  validating"))
		return b.String()
	case engine.PhaseCompleted:
		b.WriteString(doneStyle.Render("  done"))
	case engine.PhaseCancelled:
		b.WriteString(failStyle.Render("  cancelled"))
	case engine.PhaseFailed:
		b.WriteString(failStyle.Render("  failed"))
	}

	// A total of 1 means the engine is counting one small file, not bytes.
	if v.detailed && snap.Total > 1 {
		detail := fmt.Sprintf("  %s / %s", humanize.IBytes(uint64(snap.Current)), humanize.IBytes(uint64(snap.Total)))
		if snap.BytesPerSecond > 0 && !snap.Phase.Terminal() {
			detail += fmt.Sprintf("  %s/s", humanize.IBytes(uint64(snap.BytesPerSecond)))
		}
		if snap.ETA != "" && !snap.Phase.Terminal() {
			detail += "  ETA " + snap.ETA
		}
		b.WriteString(detailStyle.Render(detail))
	}
	return b.String()
}
