// Package cliui provides the terminal styling and rendering helpers
// shared by cmd/marketsync's subcommands: table styles, the color
// palette, terminal detection, and the structured status report
// renderer.
package cliui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Palette.
var (
	ColorAccent = lipgloss.Color("#7D56F4")
	ColorPass   = lipgloss.Color("#04B575")
	ColorWarn   = lipgloss.Color("#FFB454")
	ColorFail   = lipgloss.Color("#FF5F5F")
	ColorMuted  = lipgloss.Color("#6C6C6C")
)

// Table styles.
var (
	TableHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent).Align(lipgloss.Center)
	TableWarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	TableSuccessStyle = lipgloss.NewStyle().Foreground(ColorPass)
	TableHintStyle   = lipgloss.NewStyle().Foreground(ColorMuted)
	TableBorderStyle = lipgloss.NewStyle().Foreground(ColorMuted)
)

// NewTable builds a bordered table with the shared styling.
func NewTable(width int) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(TableBorderStyle).
		Width(width)
}

// ShouldUseColor follows NO_COLOR (https://no-color.org/) and the
// CLICOLOR/CLICOLOR_FORCE conventions. It intentionally does not probe
// the file descriptor directly (lipgloss's own renderer already adapts
// its color profile to the output stream); this only decides whether
// cliui's own Render* helpers emit escape codes at all.
func ShouldUseColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	if os.Getenv("CLICOLOR_FORCE") != "" {
		return true
	}
	return true
}

// RenderAccent, RenderWarn, RenderSuccess, RenderFail apply the shared
// palette to a single line, respecting ShouldUseColor.
func RenderAccent(s string) string  { return renderWith(ColorAccent, s) }
func RenderWarn(s string) string    { return renderWith(ColorWarn, s) }
func RenderSuccess(s string) string { return renderWith(ColorPass, s) }
func RenderFail(s string) string    { return renderWith(ColorFail, s) }

func renderWith(c lipgloss.Color, s string) string {
	if !ShouldUseColor() {
		return s
	}
	return lipgloss.NewStyle().Foreground(c).Render(s)
}

// StatusReport aggregates the figures `marketsync status` renders: queue
// depths per queue, lease health, and free-form event lines printed
// under the table (`marketsync status` fills them with one line per
// active sync run).
type StatusReport struct {
	QueueDepths map[string]map[string]int // queue -> priority label -> count
	Leased      int
	Stalled     int
	ActiveRuns  int
	Dropped     uint64 // pushsurface.Hub.DroppedCount
	Events      []string
}

// Render produces the colorized report `marketsync status` prints: a
// header, a component table, then a hint section.
func Render(r StatusReport, width int) string {
	var sections []string

	header := lipgloss.NewStyle().Bold(true).Foreground(ColorAccent).Render("marketsync: sync status")
	sections = append(sections, header, "")

	rows := make([][]string, 0, len(r.QueueDepths)+2)
	for _, q := range sortedKeys(r.QueueDepths) {
		total := 0
		for _, n := range r.QueueDepths[q] {
			total += n
		}
		rows = append(rows, []string{q, fmt.Sprintf("%d", total)})
	}
	rows = append(rows, []string{"active sync runs", fmt.Sprintf("%d", r.ActiveRuns)})
	rows = append(rows, []string{"leased / stalled", fmt.Sprintf("%d / %d", r.Leased, r.Stalled)})

	t := NewTable(width).
		Headers("Metric", "Value").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			return lipgloss.NewStyle()
		})
	sections = append(sections, t.Render(), "")

	if r.Stalled > 0 {
		sections = append(sections, TableWarnStyle.Render(fmt.Sprintf("! %d stalled lease(s) detected; a worker may have died mid-task", r.Stalled)))
	}
	if r.Dropped > 0 {
		sections = append(sections, TableWarnStyle.Render(fmt.Sprintf("! %d push-surface subscriber(s) disconnected for falling behind", r.Dropped)))
	}
	for _, e := range r.Events {
		sections = append(sections, TableHintStyle.Render("  "+e))
	}

	return strings.Join(sections, "\n")
}

// RenderMarkdown renders operator-facing markdown (a SyncRun's drafted
// recommendations) for the terminal, falling back to the raw text when
// rendering fails or color is disabled.
func RenderMarkdown(md string, width int) string {
	if !ShouldUseColor() {
		return md
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width))
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}

func sortedKeys(m map[string]map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
