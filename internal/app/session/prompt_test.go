package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	sessiondomain "switchboard/internal/domain/session"
)

func strPtr(s string) *string { return &s }

func TestBuildPromptByMode(t *testing.T) {
	history := []sessiondomain.Exchange{
		{Prompt: "first", Response: strPtr("one"), Success: true},
		{Prompt: "broken", Success: false, Error: "boom"},
		{Prompt: "second", Response: strPtr("two"), Success: true},
	}

	tests := []struct {
		name      string
		sess      sessiondomain.Session
		wantToken string
		replay    bool
	}{
		{name: "new", sess: sessiondomain.Session{Mode: sessiondomain.ModeNew}},
		{name: "continuable", sess: sessiondomain.Session{Mode: sessiondomain.ModeContinuable, History: history, Metadata: sessiondomain.Metadata{ContinuationToken: "tok"}}, wantToken: "tok"},
		{name: "continuable without token replays", sess: sessiondomain.Session{Mode: sessiondomain.ModeContinuable, History: history}, replay: true},
		{name: "needs replay", sess: sessiondomain.Session{Mode: sessiondomain.ModeNeedsReplay, History: history, Metadata: sessiondomain.Metadata{ContinuationToken: "stale"}}, replay: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompt, token := BuildPrompt(&tt.sess, "next")
			assert.Equal(t, tt.wantToken, token)
			if !tt.replay {
				assert.Equal(t, "next", prompt)
				return
			}
			expected := "Previous conversation transcript:\n\n" +
				"User: first\nAssistant: one\n\n" +
				"User: second\nAssistant: two\n\n" +
				"Current request:\nnext"
			assert.Equal(t, expected, prompt)
		})
	}
}

func TestFoldTranscriptWithoutHistory(t *testing.T) {
	assert.Equal(t, "hello", FoldTranscript(nil, "hello"))
}
