package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCloneIsDeep(t *testing.T) {
	resp := "ok"
	orig := &Session{
		ID:      "session-1",
		History: []Exchange{{Prompt: "a", Response: &resp, Success: true}},
		Context: map[string]string{"repo": "x"},
	}
	cp := orig.Clone()
	*cp.History[0].Response = "changed"
	cp.Context["repo"] = "y"
	cp.History = append(cp.History, Exchange{Prompt: "b"})

	assert.Equal(t, "ok", *orig.History[0].Response)
	assert.Equal(t, "x", orig.Context["repo"])
	assert.Len(t, orig.History, 1)
}

func TestCompletedExchanges(t *testing.T) {
	resp := "done"
	s := &Session{History: []Exchange{
		{Prompt: "ok", Response: &resp, Success: true},
		{Prompt: "failed", Success: false, Error: "boom"},
		{Prompt: "pending"},
	}}
	completed := s.CompletedExchanges()
	assert.Len(t, completed, 1)
	assert.Equal(t, "ok", completed[0].Prompt)
}
