package format

import (
	"strings"
	"unicode"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// NoEntries is rendered in place of a table with no rows.
const NoEntries = "**No entries.**\n"

type tableOptions struct {
	headers         []string
	headerTransform func(string) string
	removeNull      bool
}

// TableOption customizes Table.
type TableOption func(*tableOptions)

// WithHeaders selects and orders the columns. Unknown headers render empty.
func WithHeaders(headers ...string) TableOption {
	return func(o *tableOptions) {
		if len(headers) > 0 {
			o.headers = headers
		}
	}
}

// WithHeaderTransform rewrites column titles for display.
func WithHeaderTransform(fn func(string) string) TableOption {
	return func(o *tableOptions) { o.headerTransform = fn }
}

// WithRemoveNull drops columns whose values are all empty.
func WithRemoveNull() TableOption {
	return func(o *tableOptions) { o.removeNull = true }
}

// Table renders rows as a markdown table under a "### title" heading.
// Column order follows the first row unless WithHeaders is given.
func Table(title string, rows []*Record, opts ...TableOption) string {
	var o tableOptions
	for _, opt := range opts {
		opt(&o)
	}

	var sb strings.Builder
	if title != "" {
		sb.WriteString("### " + title + "\n")
	}
	if len(rows) == 0 {
		sb.WriteString(NoEntries)
		return sb.String()
	}

	headers := o.headers
	if len(headers) == 0 {
		headers = unionKeys(rows)
	}
	if o.removeNull {
		headers = nonEmptyColumns(headers, rows)
	}

	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		line := make([]string, len(headers))
		for i, h := range headers {
			v, _ := r.Get(h)
			line[i] = cell(v)
		}
		cells = append(cells, line)
	}

	titles := make([]string, len(headers))
	for i, h := range headers {
		titles[i] = h
		if o.headerTransform != nil {
			titles[i] = o.headerTransform(h)
		}
	}

	t := table.New().
		Border(lipgloss.MarkdownBorder()).
		BorderTop(false).
		BorderBottom(false).
		Wrap(false).
		Headers(titles...).
		Rows(cells...)

	sb.WriteString(t.String())
	sb.WriteString("\n")
	return sb.String()
}

// List renders a single-column table from plain values.
func List(title, header string, values []string) string {
	rows := make([]*Record, 0, len(values))
	for _, v := range values {
		rows = append(rows, NewRecord(header, v))
	}
	return Table(title, rows, WithHeaders(header))
}

// PascalToSpace turns "LastModified" into "Last Modified" and
// "IncidentID" into "Incident ID".
func PascalToSpace(s string) string {
	runes := []rune(s)
	var sb strings.Builder
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || (unicode.IsUpper(prev) && nextLower) {
				sb.WriteRune(' ')
			}
		}
		if i == 0 {
			r = unicode.ToUpper(r)
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func unionKeys(rows []*Record) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, r := range rows {
		for p := r.Oldest(); p != nil; p = p.Next() {
			if !seen[p.Key] {
				seen[p.Key] = true
				keys = append(keys, p.Key)
			}
		}
	}
	return keys
}

func nonEmptyColumns(headers []string, rows []*Record) []string {
	kept := headers[:0:0]
	for _, h := range headers {
		for _, r := range rows {
			if v, ok := r.Get(h); ok && !isEmpty(v) {
				kept = append(kept, h)
				break
			}
		}
	}
	return kept
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func cell(v any) string {
	s := Stringify(v)
	s = strings.ReplaceAll(s, "\r\n", "<br>")
	s = strings.ReplaceAll(s, "\n", "<br>")
	return strings.ReplaceAll(s, "|", "\\|")
}
