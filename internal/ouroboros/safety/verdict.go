package safety

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Verdict is the structured decision a fast/deep check response carries.
type Verdict struct {
	Status string `json:"status"` // "SAFE" or "DANGEROUS"
	Reason string `json:"reason"`
}

// Safe reports whether the verdict allows the call.
func (v Verdict) Safe() bool {
	return strings.EqualFold(strings.TrimSpace(v.Status), "SAFE")
}

// parseVerdict extracts a Verdict from a model response. LLMs occasionally
// wrap the JSON in prose or emit a trailing comma; jsonrepair fixes the
// common cases before falling back to a hard parse failure.
func parseVerdict(raw string) (Verdict, bool) {
	candidate := extractJSONObject(raw)
	if candidate == "" {
		return Verdict{}, false
	}

	var v Verdict
	if err := json.Unmarshal([]byte(candidate), &v); err == nil && v.Status != "" {
		return v, true
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return Verdict{}, false
	}
	if err := json.Unmarshal([]byte(repaired), &v); err != nil || v.Status == "" {
		return Verdict{}, false
	}
	return v, true
}

// extractJSONObject finds the first top-level {...} span in raw, tolerating
// a model that prefixes or suffixes its JSON with commentary.
func extractJSONObject(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return ""
	}
	return raw[start : end+1]
}
