package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// DocumentKind tags which of the two layout schemas a document uses.
type DocumentKind int

const (
	// KindRegions is the explicit per-region list keyed by "regions".
	KindRegions DocumentKind = iota + 1
	// KindFieldBlocks is the compact preset form keyed by "fieldBlocks".
	KindFieldBlocks
)

func (k DocumentKind) String() string {
	switch k {
	case KindRegions:
		return "regions"
	case KindFieldBlocks:
		return "fieldBlocks"
	default:
		return "unknown"
	}
}

// Document is a parsed template document before normalization. Exactly one of
// Regions or Blocks is populated, according to Kind.
type Document struct {
	Kind             DocumentKind
	PageDimensions   []float64
	BubbleDimensions []float64
	Regions          []RegionSpec
	Blocks           []BlockSpec
	AnswerKey        map[string][]string
	CustomLabels     []CustomLabelSpec
	PreProcessors    []PreProcessorSpec
}

// RegionSpec is one entry of the region-list schema.
type RegionSpec struct {
	Name             string        `json:"name"`
	Origin           []float64     `json:"origin"`
	Questions        QuestionRange `json:"questions"`
	Prefix           *string       `json:"prefix"`
	QuestionGap      float64       `json:"questionGap"`
	Options          []string      `json:"options"`
	OptionGap        float64       `json:"optionGap"`
	Direction        Direction     `json:"direction"`
	BubbleDimensions []float64     `json:"bubbleDimensions"`
}

// QuestionRange is either a range token ("1..20") or {"from":1,"to":20}.
type QuestionRange struct {
	Token    string
	From, To int
	isObject bool
}

// UnmarshalJSON accepts both the string and the object form.
func (q *QuestionRange) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &q.Token)
	}
	var obj struct {
		From *int `json:"from"`
		To   *int `json:"to"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.From == nil || obj.To == nil {
		return fmt.Errorf("question range needs both from and to")
	}
	q.From, q.To, q.isObject = *obj.From, *obj.To, true
	return nil
}

// BlockSpec is one named entry of the field-block schema.
type BlockSpec struct {
	Name             string    `json:"-"`
	FieldType        string    `json:"fieldType"`
	BubbleValues     []string  `json:"bubbleValues"`
	FieldLabels      []string  `json:"fieldLabels"`
	Origin           []float64 `json:"origin"`
	BubblesGap       float64   `json:"bubblesGap"`
	LabelsGap        float64   `json:"labelsGap"`
	Direction        Direction `json:"direction"`
	BubbleDimensions []float64 `json:"bubbleDimensions"`
}

// CustomLabelSpec concatenates the values of several fields under one label.
type CustomLabelSpec struct {
	Name   string
	Fields []string
}

// PreProcessorSpec names an image preprocessor and its raw options.
type PreProcessorSpec struct {
	Name    string          `json:"name"`
	Options json.RawMessage `json:"options"`
}

// Parse decodes a template document and tags it by probing for the
// "regions" and "fieldBlocks" top-level keys. Exactly one must be present.
func Parse(data []byte) (*Document, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, wrapFormatError(err, "document is not a JSON object")
	}

	_, hasRegions := top["regions"]
	_, hasBlocks := top["fieldBlocks"]
	doc := &Document{}
	switch {
	case hasRegions && hasBlocks:
		return nil, formatErrorf(`document has both "regions" and "fieldBlocks"`)
	case hasRegions:
		doc.Kind = KindRegions
		if err := json.Unmarshal(top["regions"], &doc.Regions); err != nil {
			return nil, wrapFormatError(err, "regions")
		}
	case hasBlocks:
		doc.Kind = KindFieldBlocks
		entries, err := orderedObject(top["fieldBlocks"])
		if err != nil {
			return nil, wrapFormatError(err, "fieldBlocks")
		}
		for _, e := range entries {
			var b BlockSpec
			if err := json.Unmarshal(e.raw, &b); err != nil {
				return nil, wrapFormatError(err, "field block %q", e.key)
			}
			b.Name = e.key
			doc.Blocks = append(doc.Blocks, b)
		}
	default:
		return nil, formatErrorf(`document has neither "regions" nor "fieldBlocks"`)
	}

	if raw, ok := top["pageDimensions"]; ok {
		if err := json.Unmarshal(raw, &doc.PageDimensions); err != nil {
			return nil, wrapFormatError(err, "pageDimensions")
		}
	}
	if raw, ok := top["bubbleDimensions"]; ok {
		if err := json.Unmarshal(raw, &doc.BubbleDimensions); err != nil {
			return nil, wrapFormatError(err, "bubbleDimensions")
		}
	}
	if raw, ok := top["answerKey"]; ok {
		key, err := parseAnswerKey(raw)
		if err != nil {
			return nil, err
		}
		doc.AnswerKey = key
	}
	if raw, ok := top["customLabels"]; ok {
		entries, err := orderedObject(raw)
		if err != nil {
			return nil, wrapFormatError(err, "customLabels")
		}
		for _, e := range entries {
			var fields []string
			if err := json.Unmarshal(e.raw, &fields); err != nil {
				return nil, wrapFormatError(err, "custom label %q", e.key)
			}
			doc.CustomLabels = append(doc.CustomLabels, CustomLabelSpec{Name: e.key, Fields: fields})
		}
	}
	if raw, ok := top["preProcessors"]; ok {
		if err := json.Unmarshal(raw, &doc.PreProcessors); err != nil {
			return nil, wrapFormatError(err, "preProcessors")
		}
	}
	return doc, nil
}

// parseAnswerKey accepts label -> "A" or label -> ["A","C"].
func parseAnswerKey(raw json.RawMessage) (map[string][]string, error) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, wrapFormatError(err, "answerKey")
	}
	key := make(map[string][]string, len(entries))
	for label, v := range entries {
		var single string
		if err := json.Unmarshal(v, &single); err == nil {
			key[label] = []string{single}
			continue
		}
		var multi []string
		if err := json.Unmarshal(v, &multi); err != nil {
			return nil, wrapFormatError(err, "answerKey %q", label)
		}
		key[label] = multi
	}
	return key, nil
}

type objectEntry struct {
	key string
	raw json.RawMessage
}

// orderedObject decodes a JSON object preserving key order, which
// map-based decoding would lose. Field blocks are walked in document order.
func orderedObject(raw json.RawMessage) ([]objectEntry, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var entries []objectEntry
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected key, got %v", tok)
		}
		if seen[key] {
			return nil, fmt.Errorf("duplicate key %q", key)
		}
		seen[key] = true
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		entries = append(entries, objectEntry{key: strings.TrimSpace(key), raw: value})
	}
	return entries, nil
}
