package annotation

import "strings"

// Label is one configured emotion and the highlight colour hosts render it with.
type Label struct {
	Name  Emotion `json:"name"`
	Color string  `json:"color"`
}

// LabelSet is the configured emotion vocabulary. It is configuration, not
// structure: decoded markup may carry emotions outside the set.
type LabelSet []Label

func DefaultLabels() LabelSet {
	return LabelSet{
		{Name: "stress", Color: "#e8a33d"},
		{Name: "anger", Color: "#d64541"},
		{Name: "sad", Color: "#4a7bd0"},
		{Name: "anxious", Color: "#9b59b6"},
		{Name: "highlight", Color: "#f4e04d"},
	}
}

// ParseLabels reads "name:#color,name2:#color2". Names without a colour get a
// neutral grey.
func ParseLabels(raw string) LabelSet {
	var labels LabelSet
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, color, _ := strings.Cut(item, ":")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		color = strings.TrimSpace(color)
		if color == "" {
			color = "#bdbdbd"
		}
		labels = append(labels, Label{Name: Emotion(name), Color: color})
	}
	return labels
}

func (l LabelSet) Has(emotion Emotion) bool {
	for _, label := range l {
		if label.Name == emotion {
			return true
		}
	}
	return false
}

// Color returns the highlight colour for emotion, grey when unknown.
func (l LabelSet) Color(emotion Emotion) string {
	for _, label := range l {
		if label.Name == emotion {
			return label.Color
		}
	}
	return "#bdbdbd"
}

func NormalizeEmotion(value string) Emotion {
	return Emotion(strings.ToLower(strings.TrimSpace(value)))
}
