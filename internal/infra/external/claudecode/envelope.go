package claudecode

import (
	"strings"

	"github.com/kaptinlin/jsonrepair"

	serrors "switchboard/internal/shared/errors"
	jsonx "switchboard/internal/shared/json"
)

// Envelope is the terminal JSON object printed by `claude -p --output-format json`.
type Envelope struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	CostUSD      float64 `json:"cost_usd"`
	DurationMs   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	Usage        *Usage  `json:"usage"`
}

// ParseEnvelope decodes stdout into an envelope. Some CLI versions print the
// whole message stream as a JSON array; the last result message wins. Invalid
// JSON is repaired once before giving up.
func ParseEnvelope(raw string) (Envelope, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Envelope{}, false
	}
	if env, ok := decodeEnvelope(trimmed); ok {
		return env, true
	}
	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err != nil {
		return Envelope{}, false
	}
	return decodeEnvelope(repaired)
}

func decodeEnvelope(data string) (Envelope, bool) {
	if strings.HasPrefix(data, "[") {
		var messages []Envelope
		if err := jsonx.Unmarshal([]byte(data), &messages); err != nil {
			return Envelope{}, false
		}
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Type == "result" {
				return messages[i], true
			}
		}
		return Envelope{}, false
	}
	if !strings.HasPrefix(data, "{") {
		return Envelope{}, false
	}
	var env Envelope
	if err := jsonx.Unmarshal([]byte(data), &env); err != nil {
		return Envelope{}, false
	}
	if env.Type != "" && env.Type != "result" {
		return Envelope{}, false
	}
	if env.Type == "" && env.Result == "" && env.SessionID == "" {
		return Envelope{}, false
	}
	return env, true
}

func parseResult(raw string) (*Result, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, serrors.New(serrors.KindParseFailure, "claude produced no output")
	}
	env, ok := ParseEnvelope(raw)
	if !ok {
		return &Result{Text: strings.TrimSpace(raw), Raw: raw, ParseFailed: true}, nil
	}
	if env.IsError {
		msg := strings.TrimSpace(env.Result)
		if msg == "" {
			msg = env.Subtype
		}
		return nil, &serrors.Error{Kind: serrors.KindProcessFailure, Message: "claude reported an error: " + msg, Stderr: msg}
	}
	result := &Result{
		Text:              env.Result,
		ContinuationToken: env.SessionID,
		CostUSD:           env.TotalCostUSD,
		NumTurns:          env.NumTurns,
		DurationMs:        env.DurationMs,
		Raw:               raw,
	}
	if result.CostUSD == 0 {
		result.CostUSD = env.CostUSD
	}
	if env.Usage != nil {
		result.Usage = *env.Usage
	}
	return result, nil
}
