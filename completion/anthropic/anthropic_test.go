package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmsegret/vampire-chat/completion"
	"github.com/jmsegret/vampire-chat/core"
)

func TestComplete(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"type":        "message",
			"role":        "assistant",
			"model":       completion.DefaultAnthropicModel,
			"stop_reason": "end_turn",
			"content": []map[string]any{
				{"type": "text", "text": "Hi "},
				{"type": "text", "text": "there!"},
			},
			"usage": map[string]any{"input_tokens": 10, "output_tokens": 3},
		})
	}))
	defer srv.Close()

	c, err := New("test-key", srv.URL, completion.Options{})
	require.NoError(t, err)

	reply, err := c.Complete(context.Background(), []core.ChatMessage{
		{Role: core.RoleSystem, Content: "You are Lilly."},
		{Role: core.RoleUser, Content: "Hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", reply)

	system, _ := body["system"].([]any)
	require.Len(t, system, 1)
	assert.Equal(t, "You are Lilly.", system[0].(map[string]any)["text"])

	msgs, _ := body["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
	assert.EqualValues(t, 1000, body["max_tokens"])
}
