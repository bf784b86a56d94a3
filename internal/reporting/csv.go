package reporting

import (
	"encoding/csv"
	"strconv"
	"strings"
)

// RenderCSV renders the daily rows as CSV.
func RenderCSV(r *Report) (string, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)

	if err := w.Write([]string{"day", "outcome", "reason", "submissions", "tokens"}); err != nil {
		return "", err
	}
	for _, row := range r.Rows {
		err := w.Write([]string{
			row.Day.Format(dayFormat),
			string(row.Outcome),
			string(row.Reason),
			strconv.FormatUint(row.Submissions, 10),
			row.Tokens.String(),
		})
		if err != nil {
			return "", err
		}
	}
	w.Flush()
	return sb.String(), w.Error()
}
