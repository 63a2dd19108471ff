package types

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// FreeText is a text field the model is allowed to fill loosely. The issue
// template literally shows `{}` for an unknown duration, so empty objects and
// arrays, null, numbers and string lists all decode into plain text.
type FreeText string

func (t *FreeText) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 {
		*t = ""
		return nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := sonic.Unmarshal(raw, &s); err != nil {
			return err
		}
		*t = FreeText(strings.TrimSpace(s))
	case 'n':
		*t = ""
	case '[':
		var items []FreeText
		if err := sonic.Unmarshal(raw, &items); err != nil {
			return err
		}
		parts := make([]string, 0, len(items))
		for _, item := range items {
			if item != "" {
				parts = append(parts, string(item))
			}
		}
		*t = FreeText(strings.Join(parts, "; "))
	case '{':
		var obj map[string]any
		if err := sonic.Unmarshal(raw, &obj); err != nil {
			return err
		}
		if len(obj) == 0 {
			*t = ""
			return nil
		}
		*t = FreeText(raw)
	default:
		*t = FreeText(raw)
	}
	return nil
}

func (t FreeText) String() string {
	return string(t)
}

func (d *Decision) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	switch {
	case bytes.Equal(raw, []byte("true")):
		*d = DecisionYes
		return nil
	case bytes.Equal(raw, []byte("false")):
		*d = DecisionNo
		return nil
	}
	var text FreeText
	if err := text.UnmarshalJSON(raw); err != nil {
		return err
	}
	*d = Decision(strings.ToLower(strings.TrimSpace(string(text))))
	return nil
}

func (d *IssueDetail) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 || raw[0] == 'n' {
		*d = IssueDetail{}
		return nil
	}
	if raw[0] == '"' {
		var notes FreeText
		if err := notes.UnmarshalJSON(raw); err != nil {
			return err
		}
		*d = IssueDetail{Notes: notes}
		return nil
	}
	type plain IssueDetail
	var p plain
	if err := sonic.Unmarshal(raw, &p); err != nil {
		return err
	}
	*d = IssueDetail(p)
	return nil
}

// DiagnosisList is ranked most likely first. On the wire it is an object
// keyed by rank ("1", "2", ...).
type DiagnosisList []DiagnosisItem

func (l *DiagnosisList) UnmarshalJSON(data []byte) error {
	items, err := decodeOrdinal[DiagnosisItem](data)
	if err != nil {
		return err
	}
	*l = items
	return nil
}

func (l DiagnosisList) MarshalJSON() ([]byte, error) {
	return encodeOrdinal(l)
}

// QuestionList is asked in order. On the wire it is an object keyed by
// position ("1", "2", ...).
type QuestionList []Question

func (l *QuestionList) UnmarshalJSON(data []byte) error {
	items, err := decodeOrdinal[Question](data)
	if err != nil {
		return err
	}
	*l = items
	return nil
}

func (l QuestionList) MarshalJSON() ([]byte, error) {
	return encodeOrdinal(l)
}

func decodeOrdinal[T any](data []byte) ([]T, error) {
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 || raw[0] == 'n' {
		return nil, nil
	}
	switch raw[0] {
	case '[':
		var items []T
		if err := sonic.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		return items, nil
	case '{':
		var keyed map[string]T
		if err := sonic.Unmarshal(raw, &keyed); err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(keyed))
		for k := range keyed {
			keys = append(keys, k)
		}
		sortOrdinalKeys(keys)
		items := make([]T, 0, len(keys))
		for _, k := range keys {
			items = append(items, keyed[k])
		}
		return items, nil
	default:
		return nil, fmt.Errorf("expected array or object, got %q", truncate(string(raw), 32))
	}
}

// sortOrdinalKeys puts numeric keys first in numeric order, then the rest
// lexicographically.
func sortOrdinalKeys(keys []string) {
	sort.SliceStable(keys, func(i, j int) bool {
		ni, errI := strconv.Atoi(strings.TrimSpace(keys[i]))
		nj, errJ := strconv.Atoi(strings.TrimSpace(keys[j]))
		switch {
		case errI == nil && errJ == nil:
			return ni < nj
		case errI == nil:
			return true
		case errJ == nil:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
}

func encodeOrdinal[T any](items []T) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(strconv.Itoa(i + 1)))
		buf.WriteByte(':')
		encoded, err := sonic.Marshal(item)
		if err != nil {
			return nil, err
		}
		buf.Write(encoded)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
