package cli

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"jobflow/internal/model"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)

	green  = lipgloss.Color("2")
	red    = lipgloss.Color("1")
	yellow = lipgloss.Color("3")
	dim    = lipgloss.Color("8")
)

// writeTable renders rows under headers. tint picks a foreground per cell;
// nil keeps the default.
func writeTable(w io.Writer, headers []string, rows [][]string, tint func(row, col int) lipgloss.TerminalColor) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if tint != nil && row >= 0 && row < len(rows) {
				if c := tint(row, col); c != nil {
					return cellStyle.Foreground(c)
				}
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}

func flowColor(f model.Flow) lipgloss.TerminalColor {
	switch f {
	case model.FlowNormal:
		return green
	case model.FlowUnhealthy:
		return red
	case model.FlowBlocked:
		return yellow
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
