package session

import (
	"strings"

	sessiondomain "switchboard/internal/domain/session"
)

const (
	transcriptHeader = "Previous conversation transcript:"
	currentHeader    = "Current request:"
)

// BuildPrompt returns the prompt text and continuation token for the next
// call on sess. A continuable session resumes with its token and sends the
// prompt as is. A session that needs replay folds its completed exchanges
// into a transcript ending with the new turn.
func BuildPrompt(sess *sessiondomain.Session, prompt string) (string, string) {
	switch sess.Mode {
	case sessiondomain.ModeContinuable:
		if token := strings.TrimSpace(sess.Metadata.ContinuationToken); token != "" {
			return prompt, token
		}
		return FoldTranscript(sess.CompletedExchanges(), prompt), ""
	case sessiondomain.ModeNeedsReplay:
		return FoldTranscript(sess.CompletedExchanges(), prompt), ""
	default:
		return prompt, ""
	}
}

// FoldTranscript renders exchanges as a labelled transcript followed by the
// current request. With no exchanges the prompt is returned unchanged.
func FoldTranscript(exchanges []sessiondomain.Exchange, prompt string) string {
	if len(exchanges) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(transcriptHeader)
	b.WriteString("\n\n")
	for _, ex := range exchanges {
		b.WriteString("User: ")
		b.WriteString(strings.TrimSpace(ex.Prompt))
		b.WriteString("\n")
		b.WriteString("Assistant: ")
		if ex.Response != nil {
			b.WriteString(strings.TrimSpace(*ex.Response))
		}
		b.WriteString("\n\n")
	}
	b.WriteString(currentHeader)
	b.WriteString("\n")
	b.WriteString(prompt)
	return b.String()
}

// nextMode derives the mode after a successful exchange.
func nextMode(token string) sessiondomain.Mode {
	if strings.TrimSpace(token) != "" {
		return sessiondomain.ModeContinuable
	}
	return sessiondomain.ModeNeedsReplay
}
