package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticModel struct{ name string }

func (m staticModel) DefaultModel(ctx context.Context) (string, error) { return m.name, nil }

func TestChatSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"hello there"}}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", 5*time.Second, staticModel{"test-model"})
	got, err := client.Chat(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello there", got)
}

func TestChatRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", 5*time.Second, staticModel{"test-model"})
	_, err := client.Chat(context.Background(), "hi")
	require.Error(t, err)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "30", rl.RetryAfter)
}

func TestChatApiError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", 5*time.Second, staticModel{"test-model"})
	_, err := client.Chat(context.Background(), "hi")
	require.Error(t, err)
	var apiErr *ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 500, apiErr.Status)
}

func TestChatCoTThinkBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"<think>reasoning here</think>final answer"}}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", 5*time.Second, staticModel{"test-model"})
	got, err := client.ChatCoT(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "final answer", got.Answer)
	assert.Equal(t, "reasoning here", got.CoT)
}

func TestChatCoTReasoningField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"final answer","reasoning_content":"steps"}}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", 5*time.Second, staticModel{"test-model"})
	got, err := client.ChatCoT(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "final answer", got.Answer)
	assert.Equal(t, "steps", got.CoT)
}

func TestChatCoTNoCoT(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"plain answer"}}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", 5*time.Second, staticModel{"test-model"})
	got, err := client.ChatCoT(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "plain answer", got.Answer)
	assert.Empty(t, got.CoT)
}

func TestExtractJSONDirect(t *testing.T) {
	var out map[string]string
	err := ExtractJSON(`{"a":"b"}`, &out)
	require.NoError(t, err)
	assert.Equal(t, "b", out["a"])
}

func TestExtractJSONFenced(t *testing.T) {
	var out map[string]string
	err := ExtractJSON("here is the result:\n```json\n{\"a\":\"b\"}\n```\nthanks", &out)
	require.NoError(t, err)
	assert.Equal(t, "b", out["a"])
}

func TestExtractJSONFailure(t *testing.T) {
	var out map[string]string
	err := ExtractJSON("no json here at all", &out)
	require.Error(t, err)
}
