package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/deemkeen/courier/activitypub"
)

var (
	accentColor = lipgloss.Color("#50FA7B")
	warnColor   = lipgloss.Color("#FFB86C")
	dangerColor = lipgloss.Color("#FF5555")
	mutedColor  = lipgloss.Color("#6272A4")
	headerColor = lipgloss.Color("#8BE9FD")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(headerColor).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(headerColor).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

func statusColor(s activitypub.HealthStatus) lipgloss.Color {
	switch s {
	case activitypub.StatusHealthy:
		return accentColor
	case activitypub.StatusDegraded:
		return warnColor
	default:
		return dangerColor
	}
}

// renderStatus draws the health report as a two-column table.
func renderStatus(report *activitypub.HealthReport) string {
	status := strings.ToUpper(string(report.Status))
	statusStyle := cellStyle.Foreground(statusColor(report.Status)).Bold(true)

	rows := [][]string{
		{"Status", status},
		{"Pending items", fmt.Sprintf("%d", report.PendingItems)},
		{"Pending batches", fmt.Sprintf("%d", report.PendingBatches)},
		{"Requests", fmt.Sprintf("%d", report.Requests)},
		{"Failures", fmt.Sprintf("%d", report.Failures)},
		{"Error rate", fmt.Sprintf("%.1f%%", report.ErrorRate*100)},
		{"Avg latency", report.AvgLatency.Round(time.Millisecond).String()},
		{"Max latency", report.MaxLatency.Round(time.Millisecond).String()},
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(mutedColor)).
		Headers("METRIC", "VALUE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row == 0 && col == 1:
				return statusStyle
			default:
				return cellStyle
			}
		})

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Delivery health, last %s", report.Window)))
	b.WriteString("\n")
	b.WriteString(t.Render())
	for _, reason := range report.Reasons {
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render("  • " + reason))
	}
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render("checked " + report.CheckedAt.Format(time.RFC3339)))
	return b.String()
}
