package template

import (
	"sort"
	"strings"
)

// Verdict is the exact-match outcome for one answer-key label.
type Verdict struct {
	Label    string
	Expected []string
	Got      []string
	Correct  bool
}

// Evaluation summarizes a sheet against the template's answer key.
type Evaluation struct {
	Verdicts []Verdict
	Correct  int
	Total    int
}

// Concatenate joins the selected values of each custom label's fields in
// order. Unanswered fields contribute nothing.
func Concatenate(t *Template, fields map[string][]string) map[string]string {
	out := make(map[string]string, len(t.CustomLabels))
	for name, members := range t.CustomLabels {
		var sb strings.Builder
		for _, f := range members {
			for _, v := range fields[f] {
				sb.WriteString(v)
			}
		}
		out[name] = sb.String()
	}
	return out
}

// Evaluate compares detected values with the answer key. A label is correct
// only when the set of selected values equals the expected set; there is no
// partial credit. Custom labels are compared on their concatenated value.
// Returns nil when the template has no answer key.
func Evaluate(t *Template, fields map[string][]string) *Evaluation {
	if len(t.AnswerKey) == 0 {
		return nil
	}
	concat := Concatenate(t, fields)

	labels := make([]string, 0, len(t.AnswerKey))
	for label := range t.AnswerKey {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		return t.answerOrder(labels[i]) < t.answerOrder(labels[j])
	})

	ev := &Evaluation{Total: len(labels)}
	for _, label := range labels {
		expected := t.AnswerKey[label]
		var got []string
		if _, custom := t.CustomLabels[label]; custom {
			if s := concat[label]; s != "" {
				got = []string{s}
			}
		} else {
			got = fields[label]
		}
		v := Verdict{
			Label:    label,
			Expected: append([]string(nil), expected...),
			Got:      append([]string(nil), got...),
			Correct:  sameSet(expected, got),
		}
		if v.Correct {
			ev.Correct++
		}
		ev.Verdicts = append(ev.Verdicts, v)
	}
	return ev
}

// answerOrder places field labels in template order, followed by custom
// labels in document order.
func (t *Template) answerOrder(label string) int {
	if i, ok := t.labelIndex[label]; ok {
		return i
	}
	for i, name := range t.customOrder {
		if name == label {
			return len(t.labels) + i
		}
	}
	return len(t.labels) + len(t.customOrder)
}

func sameSet(a, b []string) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		if seen[s] == 0 {
			return false
		}
		seen[s]--
	}
	return true
}
