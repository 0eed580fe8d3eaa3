package oracle

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"
)

// Reasoning models wrap their chain of thought in <think> blocks, which
// often contain draft JSON.
var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// ExtractJSON returns the first syntactically valid JSON object embedded in
// text. Prose and code fences around it are ignored.
func ExtractJSON(text string) (json.RawMessage, bool) {
	text = thinkBlock.ReplaceAllString(text, "")
	for i := strings.IndexByte(text, '{'); i >= 0; {
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil {
			return raw, true
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return nil, false
}

// Clamp01 bounds a confidence value to [0, 1]. NaN becomes 0.
func Clamp01(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
