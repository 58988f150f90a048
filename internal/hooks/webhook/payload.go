package webhook

import (
	"bytes"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/trenchcoat-sh/deploypulse/internal/changelog"
	"github.com/trenchcoat-sh/deploypulse/internal/model"
)

// Embed colors by priority
const (
	colorLow      = 0x3498DB
	colorMedium   = 0xF1C40F
	colorHigh     = 0xE67E22
	colorCritical = 0xE74C3C
)

const descriptionTmplStr = `{{.Impact}}
{{- if .Coalesced}}

Rolled up {{.Commits}} commits pushed within the rate limit window.
{{- end}}

{{range $i, $c := .CommitIDs}}{{if $i}} {{end}}` + "`{{short $c}}`" + `{{end}}`

var descriptionTemplate = template.Must(template.New("webhookDescription").Funcs(template.FuncMap{
	"short": model.ShortID,
}).Parse(descriptionTmplStr))

// Payload is the chat webhook body
type Payload struct {
	Username string  `json:"username,omitempty"`
	Embeds   []Embed `json:"embeds"`
}

// Embed is one rich message card
type Embed struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Color       int     `json:"color"`
	Fields      []Field `json:"fields"`
	Timestamp   string  `json:"timestamp"`
	Footer      *Footer `json:"footer,omitempty"`
}

// Field is a name/value pair shown in an embed
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Footer is the small print under an embed
type Footer struct {
	Text string `json:"text"`
}

// NewPayload builds the announcement for an update
func NewPayload(update model.Update, username, version string) (Payload, error) {
	var description bytes.Buffer
	err := descriptionTemplate.Execute(&description, map[string]any{
		"Impact":    changelog.Impact(update.Type, update.Components),
		"Coalesced": update.Coalesced,
		"Commits":   update.Commits,
		"CommitIDs": update.CommitIDs,
	})
	if err != nil {
		return Payload{}, err
	}

	fields := []Field{
		{Name: "Type", Value: string(update.Type), Inline: true},
		{Name: "Priority", Value: update.Priority.String(), Inline: true},
		{Name: "Components", Value: changelog.JoinComponents(update.Components), Inline: false},
		{Name: "Commits", Value: strconv.Itoa(update.Commits), Inline: true},
		{Name: "Files Changed", Value: strconv.Itoa(update.FilesChanged), Inline: true},
		{Name: "Lines Added", Value: "+" + strconv.Itoa(update.LinesAdded), Inline: true},
		{Name: "Lines Removed", Value: "-" + strconv.Itoa(update.LinesRemoved), Inline: true},
		{Name: "Net Change", Value: signed(update.NetChange()), Inline: true},
	}
	if update.Coalesced > 0 {
		fields = append(fields, Field{Name: "Coalesced", Value: strconv.Itoa(update.Coalesced), Inline: true})
	}

	footer := "deploypulse"
	if version != "" {
		footer += " " + version
	}

	return Payload{
		Username: username,
		Embeds: []Embed{{
			Title:       title(update),
			Description: strings.TrimSpace(description.String()),
			Color:       colorFor(update.Priority),
			Fields:      fields,
			Timestamp:   update.LastAt.UTC().Format(time.RFC3339),
			Footer:      &Footer{Text: footer},
		}},
	}, nil
}

func title(update model.Update) string {
	t := update.Title
	if t == "" {
		t = string(update.Type)
	}
	if update.Priority == model.PriorityCritical {
		t = "🚨 " + t
	}
	return t
}

func colorFor(p model.Priority) int {
	switch p {
	case model.PriorityCritical:
		return colorCritical
	case model.PriorityHigh:
		return colorHigh
	case model.PriorityMedium:
		return colorMedium
	default:
		return colorLow
	}
}

func signed(n int) string {
	if n > 0 {
		return "+" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
