package markup

import (
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"
	"time"

	"catharsis/api/internal/annotation"
)

// textEscaper runs in a single pass, so the & of an entity it writes is never
// escaped again.
var textEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"[", "&#91;",
	"]", "&#93;",
	"*", "&#42;",
	"_", "&#95;",
	"\r", "&#13;",
	"\n", "&#10;",
)

func escapeText(s string) string {
	return textEscaper.Replace(s)
}

func unescapeText(s string) string {
	return html.UnescapeString(s)
}

type attr struct {
	key   string
	value string
}

func formatAttrs(attrs []attr) string {
	parts := make([]string, 0, len(attrs))
	for _, a := range attrs {
		parts = append(parts, a.key+"="+url.QueryEscape(a.value))
	}
	return strings.Join(parts, ";")
}

// parseAttrs reads "k=v;k=v". Repeated keys keep every value in order.
func parseAttrs(raw string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, part := range strings.Split(raw, ";") {
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok || key == "" {
			return out, fmt.Errorf("attribute %q has no value", part)
		}
		decoded, err := url.QueryUnescape(value)
		if err != nil {
			return out, fmt.Errorf("attribute %s: %w", key, err)
		}
		out[key] = append(out[key], decoded)
	}
	return out, nil
}

func first(attrs map[string][]string, key string) string {
	if values := attrs[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// annotationAttrs lists an annotation's persisted fields in a fixed order.
func annotationAttrs(item annotation.Annotation) []attr {
	attrs := []attr{
		{key: "id", value: item.ID},
		{key: "emotion", value: string(item.Emotion)},
		{key: "state", value: string(item.State)},
	}
	if item.Action != annotation.ActionNone {
		attrs = append(attrs, attr{key: "action", value: string(item.Action)})
	}
	if item.Intent != annotation.IntentNone {
		attrs = append(attrs, attr{key: "intent", value: string(item.Intent)})
	}
	if !item.CreatedAt.IsZero() {
		attrs = append(attrs, attr{key: "created", value: strconv.FormatInt(item.CreatedAt.UnixMilli(), 10)})
	}
	if item.ProcessedAt != nil {
		attrs = append(attrs, attr{key: "processed", value: strconv.FormatInt(item.ProcessedAt.UnixMilli(), 10)})
	}
	return attrs
}

// annotationFromAttrs rebuilds an annotation's lifecycle fields. Problems are
// repaired and returned as details for the caller to report.
func annotationFromAttrs(attrs map[string][]string) (annotation.Annotation, []string) {
	var problems []string
	item := annotation.Annotation{
		ID:      strings.TrimSpace(first(attrs, "id")),
		Emotion: annotation.Emotion(first(attrs, "emotion")),
	}

	state, err := annotation.ParseState(first(attrs, "state"))
	if err != nil {
		problems = append(problems, err.Error())
	}
	item.State = state

	action, err := annotation.ParseAction(first(attrs, "action"))
	if err != nil {
		problems = append(problems, err.Error())
	}
	item.Action = action

	intent, err := annotation.ParseIntent(first(attrs, "intent"))
	if err != nil {
		problems = append(problems, err.Error())
	}
	item.Intent = intent

	if created, ok, err := parseMillis(first(attrs, "created")); err != nil {
		problems = append(problems, "created: "+err.Error())
	} else if ok {
		item.CreatedAt = created
	}
	if processed, ok, err := parseMillis(first(attrs, "processed")); err != nil {
		problems = append(problems, "processed: "+err.Error())
	} else if ok {
		item.ProcessedAt = &processed
	}

	if !item.Consistent() {
		problems = append(problems, fmt.Sprintf("state %q with action %q reset to new", item.State, item.Action))
		item.State = annotation.StateNew
		item.Action = annotation.ActionNone
		item.ProcessedAt = nil
	}
	return item, problems
}

func parseMillis(value string) (time.Time, bool, error) {
	if value == "" {
		return time.Time{}, false, nil
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms).UTC(), true, nil
}
