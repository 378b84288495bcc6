package template

import (
	"regexp"
	"strconv"
	"strings"
)

// rangeToken matches compact label ranges such as "q1..5", "q1..q5" or
// "roll1...9".
var rangeToken = regexp.MustCompile(`^([^\d.]*)(\d+)\.{2,3}([^\d.]*)(\d+)$`)

// maxRangeLabels bounds the labels a single range token may produce.
const maxRangeLabels = 10000

// ExpandLabels expands field-label tokens in order. A range token
// "p{a}..{b}" yields p{a}, p{a+1}, ..., p{b} and requires a < b.
// Any other non-empty token is taken literally.
func ExpandLabels(tokens []string) ([]string, error) {
	var labels []string
	for _, tok := range tokens {
		expanded, err := expandToken(tok)
		if err != nil {
			return nil, err
		}
		labels = append(labels, expanded...)
	}
	return labels, nil
}

func expandToken(tok string) ([]string, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return nil, formatErrorf("empty field label")
	}

	m := rangeToken.FindStringSubmatch(tok)
	if m == nil {
		if strings.Contains(tok, "..") {
			return nil, formatErrorf("malformed label range %q", tok)
		}
		return []string{tok}, nil
	}

	prefix, endPrefix := m[1], m[3]
	if endPrefix != "" && endPrefix != prefix {
		return nil, formatErrorf("label range %q mixes prefixes %q and %q", tok, prefix, endPrefix)
	}
	start, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, wrapFormatError(err, "label range %q", tok)
	}
	end, err := strconv.Atoi(m[4])
	if err != nil {
		return nil, wrapFormatError(err, "label range %q", tok)
	}
	if start >= end {
		return nil, formatErrorf("label range %q: start %d must be less than end %d", tok, start, end)
	}
	if end-start >= maxRangeLabels {
		return nil, formatErrorf("label range %q expands to more than %d labels", tok, maxRangeLabels)
	}

	labels := make([]string, 0, end-start+1)
	for n := start; n <= end; n++ {
		labels = append(labels, prefix+strconv.Itoa(n))
	}
	return labels, nil
}
