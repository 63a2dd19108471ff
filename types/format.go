package types

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// FormatJSON renders v compactly for prompt substitution. Empty values render
// as an empty string so templates read "health_issues: " on the first turn.
func FormatJSON(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case HealthIssues:
		if len(x) == 0 {
			return ""
		}
	case *Diagnosis:
		if x == nil {
			return ""
		}
	}
	data, err := sonic.ConfigStd.MarshalToString(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return data
}

// FormatQuestions renders clarifying questions as plain text for console
// style surfaces.
func FormatQuestions(q *ClarifyingQuestions) string {
	if q == nil || len(q.Questions) == 0 {
		return ""
	}
	var buf strings.Builder
	for i, item := range q.Questions {
		if i > 0 {
			buf.WriteString("\n")
		}
		fmt.Fprintf(&buf, "%d. %s", i+1, item.Question)
		if len(item.SelectiveAnswers) > 0 {
			fmt.Fprintf(&buf, " (%s)", strings.Join(item.SelectiveAnswers, " / "))
		}
	}
	return buf.String()
}

func FormatConclusion(c *FinalConclusion) string {
	if c.Empty() {
		return ""
	}
	sections := make([]string, 0, 4)
	add := func(title string, value FreeText) {
		if value != "" {
			sections = append(sections, fmt.Sprintf("%s: %s", title, value))
		}
	}
	add("Final diagnosis", c.FinalDiagnosis)
	add("Justification", c.Justification)
	add("Suggestions", c.Suggestions)
	add("Medications", c.Medications)
	return strings.Join(sections, "\n")
}
