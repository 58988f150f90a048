package changelog

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/template"
	"time"
)

const markdownTmplStr = `# {{.Title}}
{{if .Sections}}
_{{date .From}} to {{date .To}}: {{.Totals.Updates}} updates, {{.Totals.Commits}} commits, {{.Totals.FilesChanged}} files changed, {{signed .Totals.LinesAdded}} / -{{.Totals.LinesRemoved}} lines (net {{signed .Totals.NetChange}})_
{{else}}
_No deployments recorded._
{{end}}{{range .Sections}}
## {{.Title}}

` + "`{{.Type}}` `{{.Priority}}`" + ` {{date .Date}}

**Components:** {{join .Components}}

{{.Impact}}

| Commits | Files changed | Lines added | Lines removed | Net change |
|---:|---:|---:|---:|---:|
| {{.Metrics.Commits}} | {{.Metrics.FilesChanged}} | {{.Metrics.LinesAdded}} | {{.Metrics.LinesRemoved}} | {{signed .Metrics.NetChange}} |

Commits: {{range $i, $c := .Commits}}{{if $i}}, {{end}}` + "`{{$c}}`" + `{{end}}
{{end}}`

var markdownTemplate = template.Must(template.New("changelog").Funcs(template.FuncMap{
	"date":   formatDate,
	"join":   JoinComponents,
	"signed": signed,
}).Parse(markdownTmplStr))

// Format names an output format
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
)

// ParseFormat resolves a format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatMarkdown, FormatJSON:
		return f, nil
	case "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unknown report format %q", s)
	}
}

// Write renders the report in the given format
func (r *Report) Write(w io.Writer, format Format) error {
	switch format {
	case FormatJSON:
		return r.WriteJSON(w)
	case FormatMarkdown:
		return r.WriteMarkdown(w)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

// WriteMarkdown renders the report as Markdown
func (r *Report) WriteMarkdown(w io.Writer) error {
	if err := markdownTemplate.Execute(w, r); err != nil {
		return fmt.Errorf("failed to render markdown: %w", err)
	}
	return nil
}

// WriteJSON renders the report as indented JSON
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to render json: %w", err)
	}
	return nil
}

func formatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 UTC")
}

func signed(n int) string {
	if n > 0 {
		return "+" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
