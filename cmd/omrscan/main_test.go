package main

import (
	"bytes"
	"strings"
	"testing"

	"omr-reader/internal/pipeline"
	"omr-reader/internal/template"
)

const printDoc = `{
  "pageDimensions": [300, 400],
  "bubbleDimensions": [20, 20],
  "fieldBlocks": {
    "MCQ": {
      "fieldType": "QTYPE_MCQ4",
      "fieldLabels": ["q1..3"],
      "origin": [50, 60],
      "bubblesGap": 40,
      "labelsGap": 60
    }
  }
}`

func TestPrintResult_FieldValues(t *testing.T) {
	tmpl, err := template.Load([]byte(printDoc))
	if err != nil {
		t.Fatal(err)
	}
	res := pipeline.SheetResult{
		Name:  "sheet.png",
		State: pipeline.StateDone,
		Fields: map[string][]string{
			"q1": {"B"},
			"q2": {"A", "C"},
			"q3": {},
		},
		MultiMarked: []string{"q2"},
	}

	var buf bytes.Buffer
	printResult(&buf, tmpl, res)
	out := buf.String()

	for _, want := range []string{
		"  q1           B\n",
		"  q2           AC\n",
		"  q3           \n",
		"  multi-marked: q2\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintResult_Failed(t *testing.T) {
	tmpl, err := template.Load([]byte(printDoc))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	printResult(&buf, tmpl, pipeline.SheetResult{Name: "bad.png", State: pipeline.StateFailed, Err: pipeline.ErrCancelled})
	if out := buf.String(); !strings.Contains(out, "error: sheet cancelled") || strings.Contains(out, "q1") {
		t.Errorf("unexpected output:\n%s", out)
	}
}
