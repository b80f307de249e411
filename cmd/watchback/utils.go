package main

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/openmined/watchback/internal/engine"
)

var (
	red       = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	yellow    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	cyan      = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray      = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	bold      = lipgloss.NewStyle().Bold(true)
	labelCell = lipgloss.NewStyle().Width(14).Foreground(lipgloss.Color("248"))
)

func stateStyle(state string) lipgloss.Style {
	switch state {
	case string(engine.StateRunning), string(engine.MirrorSynced):
		return green
	case string(engine.StateDegraded), string(engine.MirrorError), string(engine.MirrorUnavailable):
		return red
	case string(engine.MirrorSyncing), string(engine.StateStarting), string(engine.StateStopping):
		return yellow
	default:
		return gray
	}
}

func field(w io.Writer, label string, value any) {
	fmt.Fprintln(w, "  "+labelCell.Render(label)+fmt.Sprint(value))
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func bytesOf(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func timestamp(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}
