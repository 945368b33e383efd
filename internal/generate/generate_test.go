package generate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptRender(t *testing.T) {
	p := Prompt{Instruction: " make it slower ", QuotedText: "quick brown fox", Context: "The quick brown fox jumps."}
	out := p.Render()
	assert.Contains(t, out, "Instruction: make it slower\n")
	assert.Contains(t, out, "Passage:\nquick brown fox\n")
	assert.Contains(t, out, "Surrounding text:\nThe quick brown fox jumps.")

	same := Prompt{Instruction: "x", QuotedText: "fox", Context: "fox"}
	assert.NotContains(t, same.Render(), "Surrounding text")
}

func TestClean(t *testing.T) {
	cases := []struct{ in, want string }{
		{"  plain  ", "plain"},
		{`"quoted"`, "quoted"},
		{"\u201csmart\u201d", "smart"},
		{"```\nfenced\n```", "fenced"},
		{"```text\nwith lang\n```", "with lang"},
		{"```\ntwo words\nsecond line\n```", "two words\nsecond line"},
		{`"`, `"`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Clean(tc.in), tc.in)
	}
}

func TestFuncAdapter(t *testing.T) {
	var g Generator = Func(func(_ context.Context, p Prompt) (string, error) {
		return "slow " + p.QuotedText, nil
	})
	out, err := g.Generate(context.Background(), Prompt{QuotedText: "fox"})
	require.NoError(t, err)
	assert.Equal(t, "slow fox", out)
}

func chatServer(t *testing.T, content string, seen *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
}

func TestOpenAIGenerate(t *testing.T) {
	var body map[string]any
	srv := chatServer(t, "\"slow brown fox\"", &body)
	defer srv.Close()

	g := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1", Model: "gpt-4o-mini", RequestsPerMin: 600})
	out, err := g.Generate(context.Background(), Prompt{Instruction: "slower", QuotedText: "quick brown fox"})
	require.NoError(t, err)
	assert.Equal(t, "slow brown fox", out)

	assert.Equal(t, "gpt-4o-mini", body["model"])
	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	user := messages[1].(map[string]any)
	assert.Contains(t, user["content"], "quick brown fox")
}

func TestOpenAIEmptyResponse(t *testing.T) {
	srv := chatServer(t, "   ", nil)
	defer srv.Close()

	g := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	_, err := g.Generate(context.Background(), Prompt{QuotedText: "fox"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestOpenAIRateLimitWaitHonoursContext(t *testing.T) {
	srv := chatServer(t, "unused", nil)
	defer srv.Close()

	g := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1", RequestsPerMin: 1})
	ctx, cancel := context.WithCancel(context.Background())
	_, err := g.Generate(ctx, Prompt{QuotedText: "fox"})
	require.NoError(t, err)
	cancel()
	_, err = g.Generate(ctx, Prompt{QuotedText: "fox"})
	assert.Error(t, err)
}
