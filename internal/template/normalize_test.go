package template

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const blocksDoc = `{
  "pageDimensions": [600, 800],
  "bubbleDimensions": [20, 20],
  "fieldBlocks": {
    "Roll": {
      "fieldType": "QTYPE_INT",
      "fieldLabels": ["roll1..2"],
      "origin": [50, 100],
      "bubblesGap": 30,
      "labelsGap": 25
    },
    "MCQ": {
      "fieldType": "QTYPE_MCQ4",
      "fieldLabels": ["q1..3"],
      "origin": [200, 100],
      "bubblesGap": 40,
      "labelsGap": 35
    },
    "Code": {
      "fieldType": "QTYPE_CUSTOM",
      "origin": [500, 60]
    }
  },
  "customLabels": {"Roll": ["roll1..2"]},
  "answerKey": {"q1": "B", "q2": ["A", "C"]},
  "preProcessors": [
    {"name": "CropOnMarkers", "options": {"relativePath": "omr_marker.jpg", "sheetToMarkerWidthRatio": 17}}
  ]
}`

func TestNormalize_FieldBlocks(t *testing.T) {
	tmpl, err := Load([]byte(blocksDoc))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	wantLabels := []string{"roll1", "roll2", "q1", "q2", "q3", "Code"}
	if got := tmpl.FieldLabels(); !reflect.DeepEqual(got, wantLabels) {
		t.Errorf("FieldLabels = %v, want %v", got, wantLabels)
	}
	if n := len(tmpl.Bubbles); n != 2*10+3*4 {
		t.Errorf("got %d bubbles, want %d", n, 2*10+3*4)
	}
	if tmpl.PageSize().Width != 600 || tmpl.PageSize().Height != 800 {
		t.Errorf("PageSize = %+v", tmpl.PageSize())
	}

	// Vertical preset: values along y, labels along x.
	roll2 := findBubble(t, tmpl, "roll2", "3")
	if roll2.X != 75 || roll2.Y != 190 {
		t.Errorf("roll2=3 at (%v,%v), want (75,190)", roll2.X, roll2.Y)
	}
	// Horizontal preset: values along x, labels along y.
	q3 := findBubble(t, tmpl, "q3", "D")
	if q3.X != 320 || q3.Y != 170 {
		t.Errorf("q3=D at (%v,%v), want (320,170)", q3.X, q3.Y)
	}

	if len(tmpl.Decoded) != 1 {
		t.Fatalf("got %d decoded fields, want 1", len(tmpl.Decoded))
	}
	code := tmpl.Decoded[0]
	if code.Label != "Code" || code.Kind != DecodeQR {
		t.Errorf("decoded field = %+v", code)
	}
	if code.Region.Width != 100 || code.Region.Center().X != 500 || code.Region.Center().Y != 60 {
		t.Errorf("decoded region = %+v, want 100x100 centred on (500,60)", code.Region)
	}

	if got := tmpl.CustomLabels["Roll"]; !reflect.DeepEqual(got, []string{"roll1", "roll2"}) {
		t.Errorf("custom label Roll = %v", got)
	}
	if got := tmpl.AnswerKey["q1"]; !reflect.DeepEqual(got, []string{"B"}) {
		t.Errorf("answer q1 = %v", got)
	}
	if tmpl.Marker == nil || tmpl.Marker.RelativePath != "omr_marker.jpg" {
		t.Fatalf("marker spec = %+v", tmpl.Marker)
	}
	if r := tmpl.Marker.SheetToMarkerWidthRatio; r == nil || *r != 17 {
		t.Errorf("sheetToMarkerWidthRatio = %v", r)
	}
	if tmpl.Marker.ApplyErodeSubtract != nil {
		t.Error("unset apply_erode_subtract should stay nil")
	}
}

func TestNormalize_BubbleOrder(t *testing.T) {
	tmpl, err := Load([]byte(blocksDoc))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	strips := tmpl.Strips()
	if len(strips) != 5 {
		t.Fatalf("got %d strips, want 5", len(strips))
	}
	if strips[2].Label != "q1" {
		t.Errorf("strip 2 = %q, want q1", strips[2].Label)
	}
	var values []string
	for _, b := range strips[2].Bubbles {
		values = append(values, b.Value)
	}
	if !reflect.DeepEqual(values, []string{"A", "B", "C", "D"}) {
		t.Errorf("q1 values = %v", values)
	}
}

func TestNormalize_Regions(t *testing.T) {
	doc := `{
	  "bubbleDimensions": [15, 15],
	  "regions": [
	    {"origin": [100, 200], "questions": "1..4", "questionGap": 30,
	     "options": ["A", "B", "C"], "optionGap": 25},
	    {"name": "tail", "origin": [100, 400], "questions": {"from": 5, "to": 5},
	     "prefix": "Q", "options": ["T", "F"], "optionGap": 25, "direction": "vertical"}
	  ]
	}`
	tmpl, err := Load([]byte(doc))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	wantLabels := []string{"q1", "q2", "q3", "q4", "Q5"}
	if got := tmpl.FieldLabels(); !reflect.DeepEqual(got, wantLabels) {
		t.Errorf("FieldLabels = %v, want %v", got, wantLabels)
	}
	q4c := findBubble(t, tmpl, "q4", "C")
	if q4c.X != 150 || q4c.Y != 290 {
		t.Errorf("q4=C at (%v,%v), want (150,290)", q4c.X, q4c.Y)
	}
	q5f := findBubble(t, tmpl, "Q5", "F")
	if q5f.X != 100 || q5f.Y != 425 {
		t.Errorf("Q5=F at (%v,%v), want (100,425)", q5f.X, q5f.Y)
	}
	if !tmpl.PageSize().IsZero() {
		t.Errorf("page size should be unset, got %+v", tmpl.PageSize())
	}
}

func TestNormalize_PresetMatchesExplicitBlock(t *testing.T) {
	preset := `{"bubbleDimensions": [10, 10], "fieldBlocks": {"b": {
	  "fieldType": "QTYPE_MCQ4", "fieldLabels": ["q1..2"], "origin": [5, 5],
	  "bubblesGap": 12, "labelsGap": 14}}}`
	explicit := `{"bubbleDimensions": [10, 10], "fieldBlocks": {"b": {
	  "bubbleValues": ["A", "B", "C", "D"], "direction": "horizontal",
	  "fieldLabels": ["q1..2"], "origin": [5, 5], "bubblesGap": 12, "labelsGap": 14}}}`

	a, err := Load([]byte(preset))
	if err != nil {
		t.Fatalf("preset: %v", err)
	}
	b, err := Load([]byte(explicit))
	if err != nil {
		t.Fatalf("explicit: %v", err)
	}
	if !reflect.DeepEqual(a.Bubbles, b.Bubbles) {
		t.Errorf("bubbles differ:\npreset   %+v\nexplicit %+v", a.Bubbles, b.Bubbles)
	}
}

func TestNormalize_UnknownPresetListsKnown(t *testing.T) {
	_, err := Load([]byte(`{"bubbleDimensions": [10, 10], "fieldBlocks": {"b": {
	  "fieldType": "QTYPE_NOPE", "fieldLabels": ["q1"], "origin": [0, 0]}}}`))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, name := range FieldTypes() {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not list preset %s", err, name)
		}
	}
}

func TestNormalize_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"neither schema", `{"bubbleDimensions": [10, 10]}`},
		{"both schemas", `{"regions": [], "fieldBlocks": {}}`},
		{"unknown preset", `{"bubbleDimensions": [10, 10], "fieldBlocks": {"b": {
		  "fieldType": "QTYPE_NOPE", "fieldLabels": ["q1"], "origin": [0, 0]}}}`},
		{"bad range", `{"bubbleDimensions": [10, 10], "fieldBlocks": {"b": {
		  "fieldType": "QTYPE_MCQ4", "fieldLabels": ["q5..1"], "origin": [0, 0]}}}`},
		{"duplicate label", `{"bubbleDimensions": [10, 10], "fieldBlocks": {
		  "a": {"fieldType": "QTYPE_MCQ4", "fieldLabels": ["q1..3"], "origin": [0, 0]},
		  "b": {"fieldType": "QTYPE_MCQ4", "fieldLabels": ["q3..4"], "origin": [0, 90]}}}`},
		{"missing values", `{"bubbleDimensions": [10, 10], "fieldBlocks": {"b": {
		  "fieldLabels": ["q1"], "origin": [0, 0]}}}`},
		{"no bubble dimensions", `{"fieldBlocks": {"b": {
		  "fieldType": "QTYPE_MCQ4", "fieldLabels": ["q1"], "origin": [0, 0]}}}`},
		{"negative dimensions", `{"bubbleDimensions": [10, -1], "fieldBlocks": {"b": {
		  "fieldType": "QTYPE_MCQ4", "fieldLabels": ["q1"], "origin": [0, 0]}}}`},
		{"bad direction", `{"bubbleDimensions": [10, 10], "fieldBlocks": {"b": {
		  "fieldType": "QTYPE_MCQ4", "direction": "diagonal", "fieldLabels": ["q1"], "origin": [0, 0]}}}`},
		{"answer for unknown field", `{"bubbleDimensions": [10, 10], "answerKey": {"q9": "A"},
		  "fieldBlocks": {"b": {"fieldType": "QTYPE_MCQ4", "fieldLabels": ["q1"], "origin": [0, 0]}}}`},
		{"answer outside values", `{"bubbleDimensions": [10, 10], "answerKey": {"q1": "Z"},
		  "fieldBlocks": {"b": {"fieldType": "QTYPE_MCQ4", "fieldLabels": ["q1"], "origin": [0, 0]}}}`},
		{"custom label unknown field", `{"bubbleDimensions": [10, 10], "customLabels": {"x": ["q1..2"]},
		  "fieldBlocks": {"b": {"fieldType": "QTYPE_MCQ4", "fieldLabels": ["q1"], "origin": [0, 0]}}}`},
		{"descending region range", `{"bubbleDimensions": [10, 10], "regions": [
		  {"origin": [0, 0], "questions": "9..3", "options": ["A"]}]}`},
		{"region without options", `{"bubbleDimensions": [10, 10], "regions": [
		  {"origin": [0, 0], "questions": "1..3"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			var tfe *TemplateFormatError
			if !errors.As(err, &tfe) {
				t.Errorf("expected *TemplateFormatError, got %T: %v", err, err)
			}
		})
	}
}

func TestLoadFile_ResolvesMarkerPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "template.json")
	if err := os.WriteFile(path, []byte(blocksDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	tmpl, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if got, want := tmpl.Marker.Path(tmpl.SourceDir), filepath.Join(dir, "omr_marker.jpg"); got != want {
		t.Errorf("marker path = %q, want %q", got, want)
	}
}

func findBubble(t *testing.T, tmpl *Template, label, value string) Bubble {
	t.Helper()
	for _, b := range tmpl.Bubbles {
		if b.FieldLabel == label && b.Value == value {
			return b
		}
	}
	t.Fatalf("no bubble %s=%s", label, value)
	return Bubble{}
}
