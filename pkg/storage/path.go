package storage

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

const (
	fullwidthPeriod = "．"
	fullwidthDollar = "＄"
	// keyEscape marks a reserved rune that was part of the raw identifier.
	keyEscape = "＼"

	emptyKey = "_"
)

var (
	keyEscaper = strings.NewReplacer(
		keyEscape, keyEscape+keyEscape,
		fullwidthPeriod, keyEscape+fullwidthPeriod,
		fullwidthDollar, keyEscape+fullwidthDollar,
		".", fullwidthPeriod,
		"$", fullwidthDollar,
	)
	keyUnescaper = strings.NewReplacer(
		keyEscape+keyEscape, keyEscape,
		keyEscape+fullwidthPeriod, fullwidthPeriod,
		keyEscape+fullwidthDollar, fullwidthDollar,
		fullwidthPeriod, ".",
		fullwidthDollar, "$",
	)
)

// EscapeKey makes a free-form identifier safe to use as one path segment.
// Distinct identifiers always escape to distinct keys.
func EscapeKey(raw string) string {
	switch raw {
	case "":
		return emptyKey
	case emptyKey:
		return keyEscape + emptyKey
	}
	return keyEscaper.Replace(raw)
}

// UnescapeKey reverses EscapeKey.
func UnescapeKey(key string) string {
	switch key {
	case emptyKey:
		return ""
	case keyEscape + emptyKey:
		return emptyKey
	}
	return keyUnescaper.Replace(key)
}

// JoinPath joins already escaped segments.
func JoinPath(segments ...string) string {
	return strings.Join(segments, ".")
}

func SplitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// MergeAt merges fields into the map found at path inside doc, creating
// intermediate maps as needed. Existing keys that are not in fields are kept.
func MergeAt(doc map[string]interface{}, path string, fields map[string]interface{}) error {
	target := doc
	for _, seg := range SplitPath(path) {
		next, ok := target[seg]
		if !ok || next == nil {
			child := make(map[string]interface{})
			target[seg] = child
			target = child
			continue
		}
		child, ok := next.(map[string]interface{})
		if !ok {
			return errors.Errorf("path %q crosses non-object field %q", path, seg)
		}
		target = child
	}
	for k, v := range fields {
		target[k] = v
	}
	return nil
}

// Lookup returns the value stored at path.
func Lookup(doc map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = doc
	for _, seg := range SplitPath(path) {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Nest wraps fields into nested maps following path.
func Nest(path string, fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	segs := SplitPath(path)
	for i := len(segs) - 1; i >= 0; i-- {
		out = map[string]interface{}{segs[i]: out}
	}
	return out
}

// ToDoc converts a record into its generic map form using its json tags.
func ToDoc(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal record")
	}
	doc := make(map[string]interface{})
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "unmarshal record")
	}
	return doc, nil
}

// FromDoc is the inverse of ToDoc.
func FromDoc(doc map[string]interface{}, v interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "marshal document")
	}
	return errors.Wrap(json.Unmarshal(raw, v), "unmarshal document")
}
