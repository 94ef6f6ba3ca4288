// Package payload extracts fields from raw JSON payloads by JSON Pointer
// (RFC 6901). The dispatcher uses it to pull the external identifier out of an
// event for log and metric context without decoding the full document.
package payload

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/qri-io/jsonpointer"
)

// ExtractString resolves path against the JSON document and returns the value
// as a string. Numeric values are formatted; other types report false.
func ExtractString(doc []byte, path string) (string, bool) {
	if path == "" {
		return "", false
	}

	ptr, err := jsonpointer.Parse(path)
	if err != nil {
		return "", false
	}

	var data any
	if err := json.Unmarshal(doc, &data); err != nil {
		return "", false
	}

	result, err := ptr.Eval(data)
	if err != nil || result == nil {
		return "", false
	}

	switch v := result.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

// MustPointer validates a JSON Pointer at registration time so a bad pointer
// fails process startup instead of silently dropping log context.
func MustPointer(path string) string {
	if path == "" {
		return path
	}
	if _, err := jsonpointer.Parse(path); err != nil {
		panic(fmt.Sprintf("invalid JSON Pointer %q: %v", path, err))
	}
	return path
}
