package template

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"omr-reader/pkg/geometry"
)

// DecodeRegionScale is how many bubble dimensions an externally decoded
// region spans, centred on its origin.
const DecodeRegionScale = 5

const defaultRegionPrefix = "q"

// Template is the canonical, immutable bubble layout of one sheet design.
// It is produced by Normalize and threaded explicitly through every stage.
type Template struct {
	PageWidth    float64
	PageHeight   float64
	BubbleWidth  float64
	BubbleHeight float64

	Blocks  []FieldBlock
	Bubbles []Bubble
	Decoded []DecodedField

	AnswerKey    map[string][]string
	CustomLabels map[string][]string
	customOrder  []string

	// Marker holds the CropOnMarkers options when the template names one.
	Marker    *MarkerSpec
	// SourceDir is the directory of the template file, used to resolve
	// the marker path. Empty for templates loaded from memory.
	SourceDir string

	labels     []string
	labelIndex map[string]int
}

// FieldBlock is a group of fields sharing a value list and spacing.
type FieldBlock struct {
	Name         string
	FieldType    string
	Origin       geometry.Point2D
	BubbleWidth  float64
	BubbleHeight float64
	Values       []string
	BubblesGap   float64
	LabelsGap    float64
	Direction    Direction
	Labels       []string
	Decode       DecodeKind
}

// Bubble is one concrete sampling footprint on the rectified page.
type Bubble struct {
	X, Y          float64
	Width, Height float64
	FieldLabel    string
	Value         string
	Block         string
}

// Rect returns the footprint rounded to whole pixels.
func (b Bubble) Rect() geometry.RectInt {
	return geometry.NewRectInt(
		int(math.Round(b.X)), int(math.Round(b.Y)),
		int(math.Round(b.Width)), int(math.Round(b.Height)),
	)
}

// DecodedField is a field read by an external decoder instead of bubbles.
type DecodedField struct {
	Label  string
	Block  string
	Kind   DecodeKind
	Region geometry.Rect
}

// MarkerSpec carries the fiducial marker options of a CropOnMarkers
// preprocessor. Nil pointers mean "use the configured default".
type MarkerSpec struct {
	RelativePath            string    `json:"relativePath"`
	SheetToMarkerWidthRatio *float64  `json:"sheetToMarkerWidthRatio"`
	RescaleRange            []float64 `json:"marker_rescale_range"`
	RescaleSteps            *int      `json:"marker_rescale_steps"`
	MinMatchingThreshold    *float64  `json:"min_matching_threshold"`
	MaxMatchingVariation    *float64  `json:"max_matching_variation"`
	ApplyErodeSubtract      *bool     `json:"apply_erode_subtract"`
}

// Path resolves the marker file against the template directory.
func (m *MarkerSpec) Path(sourceDir string) string {
	if m == nil || m.RelativePath == "" {
		return ""
	}
	if filepath.IsAbs(m.RelativePath) || sourceDir == "" {
		return m.RelativePath
	}
	return filepath.Join(sourceDir, m.RelativePath)
}

// Strip is the set of bubbles belonging to one field label.
type Strip struct {
	Label   string
	Block   string
	Bubbles []Bubble
}

// Load parses and normalizes a template document.
func Load(data []byte) (*Template, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Normalize(doc)
}

// LoadFile reads a template document from disk and records its directory.
func LoadFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	t, err := Load(data)
	if err != nil {
		return nil, err
	}
	t.SourceDir = filepath.Dir(path)
	return t, nil
}

// Normalize reconciles either document schema into one Template.
func Normalize(doc *Document) (*Template, error) {
	t := &Template{
		AnswerKey:    make(map[string][]string),
		CustomLabels: make(map[string][]string),
		labelIndex:   make(map[string]int),
	}

	if doc.PageDimensions != nil {
		w, h, err := dimensions(doc.PageDimensions, "pageDimensions")
		if err != nil {
			return nil, err
		}
		t.PageWidth, t.PageHeight = w, h
	}
	if doc.BubbleDimensions != nil {
		w, h, err := dimensions(doc.BubbleDimensions, "bubbleDimensions")
		if err != nil {
			return nil, err
		}
		t.BubbleWidth, t.BubbleHeight = w, h
	}

	var blocks []FieldBlock
	var err error
	switch doc.Kind {
	case KindRegions:
		blocks, err = t.regionBlocks(doc.Regions)
	case KindFieldBlocks:
		blocks, err = t.fieldBlocks(doc.Blocks)
	default:
		err = formatErrorf("unknown document kind %d", doc.Kind)
	}
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, formatErrorf("template defines no field blocks")
	}

	for _, b := range blocks {
		if err := t.addBlock(b); err != nil {
			return nil, err
		}
	}
	if err := t.setCustomLabels(doc.CustomLabels); err != nil {
		return nil, err
	}
	if err := t.setAnswerKey(doc.AnswerKey); err != nil {
		return nil, err
	}
	if err := t.setPreProcessors(doc.PreProcessors); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Template) regionBlocks(regions []RegionSpec) ([]FieldBlock, error) {
	blocks := make([]FieldBlock, 0, len(regions))
	for i, r := range regions {
		name := r.Name
		if name == "" {
			name = "region" + strconv.Itoa(i+1)
		}
		origin, err := point(r.Origin, name+".origin")
		if err != nil {
			return nil, err
		}
		prefix := defaultRegionPrefix
		if r.Prefix != nil {
			prefix = *r.Prefix
		}
		labels, err := questionLabels(r.Questions, prefix)
		if err != nil {
			return nil, wrapFormatError(err, "region %q questions", name)
		}
		if len(r.Options) == 0 {
			return nil, formatErrorf("region %q has no options", name)
		}
		dir := r.Direction
		if dir == "" {
			dir = Horizontal
		}
		b := FieldBlock{
			Name:       name,
			Origin:     origin,
			Values:     append([]string(nil), r.Options...),
			BubblesGap: r.OptionGap,
			LabelsGap:  r.QuestionGap,
			Direction:  dir,
			Labels:     labels,
		}
		if err := t.blockDimensions(&b, r.BubbleDimensions); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func questionLabels(q QuestionRange, prefix string) ([]string, error) {
	from, to := q.From, q.To
	if !q.isObject {
		if q.Token == "" {
			return nil, formatErrorf("missing question range")
		}
		m := rangeToken.FindStringSubmatch(q.Token)
		if m == nil || m[1] != "" || m[3] != "" {
			return nil, formatErrorf("malformed question range %q", q.Token)
		}
		from, _ = strconv.Atoi(m[2])
		to, _ = strconv.Atoi(m[4])
		if from >= to {
			return nil, formatErrorf("question range %q: start %d must be less than end %d", q.Token, from, to)
		}
	} else if from > to {
		return nil, formatErrorf("question range from %d exceeds to %d", from, to)
	}

	labels := make([]string, 0, to-from+1)
	for n := from; n <= to; n++ {
		labels = append(labels, prefix+strconv.Itoa(n))
	}
	return labels, nil
}

func (t *Template) fieldBlocks(specs []BlockSpec) ([]FieldBlock, error) {
	blocks := make([]FieldBlock, 0, len(specs))
	for _, s := range specs {
		origin, err := point(s.Origin, s.Name+".origin")
		if err != nil {
			return nil, err
		}
		b := FieldBlock{
			Name:       s.Name,
			FieldType:  s.FieldType,
			Origin:     origin,
			BubblesGap: s.BubblesGap,
			LabelsGap:  s.LabelsGap,
			Direction:  s.Direction,
		}

		// Presets expand first so that an explicit block and its preset
		// equivalent normalize identically.
		if s.FieldType != "" {
			ft, ok := LookupFieldType(s.FieldType)
			if !ok {
				return nil, formatErrorf("block %q: unknown fieldType %q (known: %s)",
					s.Name, s.FieldType, strings.Join(FieldTypes(), ", "))
			}
			b.Values = ft.Values
			b.Decode = ft.Decode
			if b.Direction == "" {
				b.Direction = ft.Direction
			}
		}
		if len(s.BubbleValues) > 0 {
			b.Values = append([]string(nil), s.BubbleValues...)
		}
		if b.Direction == "" {
			b.Direction = Vertical
		}
		if b.Decode == DecodeNone && len(b.Values) == 0 {
			return nil, formatErrorf("block %q has neither fieldType nor bubbleValues", s.Name)
		}

		if len(s.FieldLabels) > 0 {
			b.Labels, err = ExpandLabels(s.FieldLabels)
			if err != nil {
				return nil, wrapFormatError(err, "block %q fieldLabels", s.Name)
			}
		} else if b.Decode != DecodeNone {
			b.Labels = []string{s.Name}
		} else {
			return nil, formatErrorf("block %q has no fieldLabels", s.Name)
		}

		if err := t.blockDimensions(&b, s.BubbleDimensions); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func (t *Template) blockDimensions(b *FieldBlock, dims []float64) error {
	if !b.Direction.valid() {
		return formatErrorf("block %q: invalid direction %q", b.Name, b.Direction)
	}
	if dims != nil {
		w, h, err := dimensions(dims, b.Name+".bubbleDimensions")
		if err != nil {
			return err
		}
		b.BubbleWidth, b.BubbleHeight = w, h
		return nil
	}
	if t.BubbleWidth <= 0 || t.BubbleHeight <= 0 {
		return formatErrorf("block %q: no bubbleDimensions and no template default", b.Name)
	}
	b.BubbleWidth, b.BubbleHeight = t.BubbleWidth, t.BubbleHeight
	return nil
}

// addBlock registers the block's labels and generates its bubbles, or its
// decoded regions for externally decoded blocks.
func (t *Template) addBlock(b FieldBlock) error {
	for _, label := range b.Labels {
		if _, dup := t.labelIndex[label]; dup {
			return formatErrorf("field label %q appears in more than one block", label)
		}
		t.labelIndex[label] = len(t.labels)
		t.labels = append(t.labels, label)
	}
	t.Blocks = append(t.Blocks, b)

	if b.Decode != DecodeNone {
		side := math.Max(b.BubbleWidth, b.BubbleHeight) * DecodeRegionScale
		for l, label := range b.Labels {
			o := b.labelOrigin(l)
			t.Decoded = append(t.Decoded, DecodedField{
				Label:  label,
				Block:  b.Name,
				Kind:   b.Decode,
				Region: geometry.Rect{X: o.X - side/2, Y: o.Y - side/2, Width: side, Height: side},
			})
		}
		return nil
	}

	for l, label := range b.Labels {
		o := b.labelOrigin(l)
		for v, value := range b.Values {
			x, y := o.X, o.Y
			if b.Direction == Horizontal {
				x += float64(v) * b.BubblesGap
			} else {
				y += float64(v) * b.BubblesGap
			}
			t.Bubbles = append(t.Bubbles, Bubble{
				X: x, Y: y,
				Width: b.BubbleWidth, Height: b.BubbleHeight,
				FieldLabel: label,
				Value:      value,
				Block:      b.Name,
			})
		}
	}
	return nil
}

// labelOrigin is the position of the first value of label index l.
func (b FieldBlock) labelOrigin(l int) geometry.Point2D {
	if b.Direction == Horizontal {
		return geometry.Point2D{X: b.Origin.X, Y: b.Origin.Y + float64(l)*b.LabelsGap}
	}
	return geometry.Point2D{X: b.Origin.X + float64(l)*b.LabelsGap, Y: b.Origin.Y}
}

func (t *Template) setCustomLabels(specs []CustomLabelSpec) error {
	for _, c := range specs {
		if _, clash := t.labelIndex[c.Name]; clash {
			return formatErrorf("custom label %q collides with a field label", c.Name)
		}
		fields, err := ExpandLabels(c.Fields)
		if err != nil {
			return wrapFormatError(err, "custom label %q", c.Name)
		}
		if len(fields) == 0 {
			return formatErrorf("custom label %q references no fields", c.Name)
		}
		for _, f := range fields {
			if _, ok := t.labelIndex[f]; !ok {
				return formatErrorf("custom label %q references unknown field %q", c.Name, f)
			}
		}
		t.CustomLabels[c.Name] = fields
		t.customOrder = append(t.customOrder, c.Name)
	}
	return nil
}

func (t *Template) setAnswerKey(key map[string][]string) error {
	for label, answers := range key {
		if _, custom := t.CustomLabels[label]; custom {
			t.AnswerKey[label] = append([]string(nil), answers...)
			continue
		}
		idx, ok := t.labelIndex[label]
		if !ok {
			return formatErrorf("answer key names unknown field %q", label)
		}
		if block := t.blockOf(idx); block != nil && block.Decode == DecodeNone {
			for _, a := range answers {
				if !contains(block.Values, a) {
					return formatErrorf("answer %q for %q is not one of %v", a, label, block.Values)
				}
			}
		}
		t.AnswerKey[label] = append([]string(nil), answers...)
	}
	return nil
}

func (t *Template) setPreProcessors(pps []PreProcessorSpec) error {
	for _, pp := range pps {
		if pp.Name != "CropOnMarkers" {
			continue
		}
		spec := &MarkerSpec{}
		if len(pp.Options) > 0 {
			if err := json.Unmarshal(pp.Options, spec); err != nil {
				return wrapFormatError(err, "CropOnMarkers options")
			}
		}
		if spec.RescaleRange != nil && len(spec.RescaleRange) != 2 {
			return formatErrorf("marker_rescale_range needs 2 values, got %d", len(spec.RescaleRange))
		}
		if spec.SheetToMarkerWidthRatio != nil && *spec.SheetToMarkerWidthRatio <= 0 {
			return formatErrorf("sheetToMarkerWidthRatio must be positive")
		}
		t.Marker = spec
	}
	return nil
}

func (t *Template) blockOf(labelIdx int) *FieldBlock {
	label := t.labels[labelIdx]
	for i := range t.Blocks {
		if contains(t.Blocks[i].Labels, label) {
			return &t.Blocks[i]
		}
	}
	return nil
}

// FieldLabels returns every field label in template order.
func (t *Template) FieldLabels() []string {
	return append([]string(nil), t.labels...)
}

// CustomLabelNames returns custom label names in document order.
func (t *Template) CustomLabelNames() []string {
	return append([]string(nil), t.customOrder...)
}

// PageSize returns the declared page dimensions (zero when unset).
func (t *Template) PageSize() geometry.Size {
	return geometry.NewSize(t.PageWidth, t.PageHeight)
}

// Strips groups bubbles by field label in template order.
// Decoded fields have no strip.
func (t *Template) Strips() []Strip {
	var strips []Strip
	pos := make(map[string]int)
	for _, b := range t.Bubbles {
		i, ok := pos[b.FieldLabel]
		if !ok {
			i = len(strips)
			pos[b.FieldLabel] = i
			strips = append(strips, Strip{Label: b.FieldLabel, Block: b.Block})
		}
		strips[i].Bubbles = append(strips[i].Bubbles, b)
	}
	return strips
}

func dimensions(v []float64, what string) (float64, float64, error) {
	if len(v) != 2 {
		return 0, 0, formatErrorf("%s needs 2 values, got %d", what, len(v))
	}
	if v[0] <= 0 || v[1] <= 0 {
		return 0, 0, formatErrorf("%s must be positive, got %v", what, v)
	}
	return v[0], v[1], nil
}

func point(v []float64, what string) (geometry.Point2D, error) {
	if len(v) != 2 {
		return geometry.Point2D{}, formatErrorf("%s needs 2 values, got %d", what, len(v))
	}
	return geometry.NewPoint2D(v[0], v[1]), nil
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
