package harness

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/goccy/go-json"

	"github.com/roach88/ddp/internal/collection"
)

// AssertionError is returned when an expectation fails.
// It includes the frames sent so far to help debug the failure.
type AssertionError struct {
	Step     int      // Index of the failing step
	Type     string   // Step type for categorization
	Expected string   // Human-readable expected outcome
	Actual   string   // Human-readable actual outcome
	Frames   []string // Client frames for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "steps[%d] failed: %s\n", e.Step, e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFrames sent:\n")
	for i, f := range e.Frames {
		fmt.Fprintf(&buf, "  [%d] %s\n", i+1, f)
	}
	return buf.String()
}

// findSent returns the first frame whose decoded object contains every
// expected field (subset match).
func findSent(frames []string, expected map[string]any) (string, bool) {
	want := normalize(expected)
	for _, f := range frames {
		var actual any
		if err := json.Unmarshal([]byte(f), &actual); err != nil {
			continue
		}
		if matchFields(actual, want) {
			return f, true
		}
	}
	return "", false
}

// matchFields reports whether actual is an object holding every key of
// expected with an equal value. Extra keys in actual are OK.
func matchFields(actual, expected any) bool {
	expectedMap, ok := expected.(map[string]any)
	if !ok || len(expectedMap) == 0 {
		return true
	}
	actualMap, ok := actual.(map[string]any)
	if !ok {
		return false
	}

	for key, expectedVal := range expectedMap {
		actualVal, exists := actualMap[key]
		if !exists {
			return false
		}
		if !valuesEqual(actualVal, expectedVal) {
			return false
		}
	}
	return true
}

// valuesEqual compares two normalized values.
func valuesEqual(actual, expected any) bool {
	if actual == nil && expected == nil {
		return true
	}
	if actual == nil || expected == nil {
		return false
	}
	return reflect.DeepEqual(actual, expected)
}

// snapshotMatches compares a collection's content with expected documents,
// in order.
func snapshotMatches(snap collection.Snapshot, expected []map[string]any) bool {
	if len(snap) != len(expected) {
		return false
	}
	for i, doc := range snap {
		if !valuesEqual(normalize(map[string]any(doc)), normalize(expected[i])) {
			return false
		}
	}
	return true
}

// normalize passes v through JSON so YAML ints and decoded float64s
// compare equal.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// describe renders v as compact JSON for error messages.
func describe(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
