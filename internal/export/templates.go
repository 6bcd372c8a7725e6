package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"

	"catharsis/api/internal/annotation"
)

//go:embed templates/*.html
var templateFS embed.FS

var entryTemplate = template.Must(template.New("entry.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/entry.html"))

// TemplateData holds data for entry template rendering
type TemplateData struct {
	Title          string
	ContentHTML    template.HTML
	UpdatedAt      time.Time
	NewCount       int
	ProcessedCount int
	Legend         []LegendItem
}

type LegendItem struct {
	Name  string
	Color template.CSS
}

func legendFor(items []annotation.Annotation, labels annotation.LabelSet) []LegendItem {
	used := map[annotation.Emotion]bool{}
	for _, item := range items {
		used[item.Emotion] = true
	}
	var out []LegendItem
	for _, label := range labels {
		if used[label.Name] {
			out = append(out, LegendItem{Name: string(label.Name), Color: template.CSS(label.Color)})
		}
	}
	return out
}

// RenderEntryHTML renders a standalone page around an entry body.
func RenderEntryHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := entryTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
