package cmd

import (
	"fmt"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
	"github.com/dustin/go-humanize"
	"github.com/rand/protometa/internal/telemetry"
	"github.com/rand/protometa/internal/training"
)

var (
	accent     = lipgloss.Color("#7D56F4")
	muted      = lipgloss.Color("#8A8A8A")
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	labelStyle = lipgloss.NewStyle().Foreground(muted).Width(12)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent).
			Padding(0, 1)
)

func field(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

func renderTrainReport(res trainResult) string {
	r := res.Report
	checkpoint := r.Checkpoint
	if checkpoint == "" {
		checkpoint = "none (no epoch improved)"
	}

	lines := []string{
		titleStyle.Render("Meta-training " + r.Stamp),
		field("Outcome", string(r.Outcome)),
		field("Epochs", fmt.Sprintf("%d", r.Epochs)),
		field("Best F1", fmt.Sprintf("%.4f", r.BestF1)),
		field("Best loss", fmt.Sprintf("%.4f", r.BestLoss)),
		field("Checkpoint", checkpoint),
		field("Duration", r.Duration.Round(time.Millisecond).String()),
	}
	if res.RunID != "" {
		lines = append(lines, field("Run", res.RunID))
	}
	if len(res.History) > 0 {
		lines = append(lines, field("Val F1", sparkline(res.History)))
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderSummary(s training.Summary) string {
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(fmt.Sprintf("Test (%s, %d episodes)", s.Mode, s.Episodes)),
		field("Loss", fmt.Sprintf("%.4f", s.Loss)),
		field("Accuracy", fmt.Sprintf("%.4f", s.Accuracy)),
		field("Precision", fmt.Sprintf("%.4f", s.Precision)),
		field("Recall", fmt.Sprintf("%.4f", s.Recall)),
		field("F1", fmt.Sprintf("%.4f", s.F1)),
	))
}

func renderRuns(runs []telemetry.Run) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(accent)).
		Headers("NAME", "STARTED", "STATUS", "OUTCOME", "EPOCHS", "BEST F1")
	for _, r := range runs {
		t.Row(
			r.Name,
			humanize.Time(r.StartedAt),
			r.Status,
			r.Outcome,
			fmt.Sprintf("%d", r.Epochs),
			fmt.Sprintf("%.4f", r.BestF1),
		)
	}
	return t.String()
}

var sparks = []rune("▁▂▃▄▅▆▇█")

// sparkline scales points between their min and max.
func sparkline(points []telemetry.Point) string {
	if len(points) == 0 {
		return ""
	}
	lo, hi := points[0].Value, points[0].Value
	for _, p := range points {
		lo = min(lo, p.Value)
		hi = max(hi, p.Value)
	}
	var b strings.Builder
	for _, p := range points {
		i := 0
		if hi > lo {
			i = int((p.Value - lo) / (hi - lo) * float64(len(sparks)-1))
		}
		b.WriteRune(sparks[i])
	}
	return b.String()
}
