package warehouse

import (
	"fmt"
	"strings"
)

// EmptyResultMessage is returned to the model in place of an empty table so
// it does not hallucinate rows.
const EmptyResultMessage = "The query executed successfully but returned no matching data."

// Markdown renders the result as a pipe table for inclusion in a model
// context or chat response.
func (rs *ResultSet) Markdown() string {
	if len(rs.Rows) == 0 {
		return EmptyResultMessage
	}

	var b strings.Builder
	b.WriteString("| ")
	b.WriteString(strings.Join(rs.Columns, " | "))
	b.WriteString(" |\n|")
	for range rs.Columns {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, row := range rs.Rows {
		b.WriteString("| ")
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = escapeCell(cell)
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteString(" |\n")
	}
	if rs.Truncated {
		fmt.Fprintf(&b, "\n(result truncated to %d rows)\n", len(rs.Rows))
	}
	return b.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}
