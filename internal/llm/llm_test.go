package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRequest_Defaults(t *testing.T) {
	p := NewAnthropicProvider("key")
	ar := p.buildRequest(CompletionRequest{Messages: UserMessage("hi")})

	assert.Equal(t, defaultModel, ar.Model)
	assert.Equal(t, defaultMaxTokens, ar.MaxTokens)
	require.Len(t, ar.Messages, 1)
	assert.Equal(t, RoleUser, ar.Messages[0].Role)
	assert.Nil(t, ar.Temperature)
}

func TestBuildRequest_Overrides(t *testing.T) {
	p := NewAnthropicProvider("key", WithModel("claude-opus-4"), WithMaxTokens(512))
	ar := p.buildRequest(CompletionRequest{
		Messages:    UserMessage("hi"),
		Model:       "claude-haiku-3-5",
		MaxTokens:   128,
		Temperature: 0.2,
	})

	assert.Equal(t, "claude-haiku-3-5", ar.Model)
	assert.Equal(t, 128, ar.MaxTokens)
	require.NotNil(t, ar.Temperature)
	assert.Equal(t, 0.2, *ar.Temperature)
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		body, _ := io.ReadAll(r.Body)
		assert.True(t, strings.Contains(string(body), `"model"`))

		json.NewEncoder(w).Encode(map[string]any{
			"content":     []map[string]any{{"type": "text", "text": `{"score": 80}`}},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	p := NewAnthropicProvider("key", WithHTTPClient(srv.Client()))
	// Point the request at the test server by swapping the transport target.
	p.client = &http.Client{Transport: rewriteTransport{base: srv.URL}}

	resp, err := p.Complete(context.Background(), CompletionRequest{Messages: UserMessage("score this")})
	require.NoError(t, err)
	assert.Equal(t, `{"score": 80}`, resp.Text)
	assert.Equal(t, StopReasonEndTurn, resp.StopReason)
	assert.Equal(t, 10, resp.InputTokens)
	assert.Equal(t, 5, resp.OutputTokens)
}

// rewriteTransport redirects all requests to the test server.
type rewriteTransport struct{ base string }

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target := strings.TrimPrefix(t.base, "http://")
	req.URL.Scheme = "http"
	req.URL.Host = target
	return http.DefaultTransport.RoundTrip(req)
}
