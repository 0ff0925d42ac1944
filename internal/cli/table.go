package cli

import (
	"bufio"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
)

const tablePadding = 2

// writeTable writes rows as space-aligned columns measured in terminal
// cells. A nil headers slice prints no header row.
func writeTable(out io.Writer, headers []string, rows [][]string) error {
	all := make([][]string, 0, len(rows)+1)
	if len(headers) > 0 {
		all = append(all, headers)
	}
	for _, row := range rows {
		clean := make([]string, len(row))
		for i, cell := range row {
			clean[i] = flattenCell(cell)
		}
		all = append(all, clean)
	}

	var widths []int
	for _, row := range all {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	if len(widths) == 0 {
		return nil
	}

	writer := bufio.NewWriter(out)
	gap := strings.Repeat(" ", tablePadding)
	for _, row := range all {
		var line strings.Builder
		for i := range widths {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			if i == len(widths)-1 {
				line.WriteString(cell)
				break
			}
			line.WriteString(runewidth.FillRight(cell, widths[i]))
			line.WriteString(gap)
		}
		if _, err := writer.WriteString(strings.TrimRight(line.String(), " ") + "\n"); err != nil {
			return err
		}
	}
	return writer.Flush()
}

// flattenCell keeps a cell on one line.
func flattenCell(value string) string {
	if !strings.ContainsAny(value, "\r\n\t") {
		return value
	}
	return strings.Join(strings.Fields(value), " ")
}

func formatYesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
