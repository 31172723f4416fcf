package batch

import (
	"strings"

	"github.com/kaptinlin/jsonrepair"

	jsonx "switchboard/internal/shared/json"
)

// decodeLenient decodes the first JSON object in text into v. Code fences and
// surrounding prose are ignored and malformed JSON is repaired once.
func decodeLenient(text string, v any) bool {
	candidate := extractObject(stripFences(text))
	if candidate == "" {
		return false
	}
	if err := jsonx.Unmarshal([]byte(candidate), v); err == nil {
		return true
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return false
	}
	return jsonx.Unmarshal([]byte(repaired), v) == nil
}

func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		// Drop the language tag line.
		trimmed = trimmed[nl+1:]
	}
	if end := strings.LastIndex(trimmed, "```"); end >= 0 {
		trimmed = trimmed[:end]
	}
	return strings.TrimSpace(trimmed)
}

func extractObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	end := strings.LastIndexByte(text, '}')
	if end < start {
		// Truncated object; let the repair pass close it.
		return text[start:]
	}
	return text[start : end+1]
}

// NormalizeRiskLevel maps free-form risk labels onto low, medium or high.
func NormalizeRiskLevel(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low", "minimal", "minor", "none":
		return RiskLow
	case "high", "critical", "severe", "major":
		return RiskHigh
	default:
		return RiskMedium
	}
}

func clampConfidence(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
