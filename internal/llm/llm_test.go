package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	doerrors "dopilot/internal/errors"
)

func TestProviderErrorRetryable(t *testing.T) {
	cases := []struct {
		kind      ProviderErrorKind
		retryable bool
	}{
		{ErrKindQuota, true},
		{ErrKindTimeout, true},
		{ErrKindAuth, false},
		{ErrKindMalformed, false},
	}
	for _, tc := range cases {
		perr := NewProviderError(tc.kind, 0, errors.New("boom"))
		assert.Equal(t, tc.retryable, perr.Retryable(), "kind %s", tc.kind)
	}
}

func TestClassifyErrorMapsProviderKinds(t *testing.T) {
	quota := NewProviderError(ErrKindQuota, 429, errors.New("quota"))
	assert.True(t, doerrors.IsTransient(ClassifyError(quota)))

	timeout := NewProviderError(ErrKindTimeout, 0, errors.New("deadline"))
	assert.True(t, doerrors.IsTransient(ClassifyError(timeout)))

	auth := NewProviderError(ErrKindAuth, 401, errors.New("bad key"))
	assert.False(t, doerrors.IsTransient(ClassifyError(auth)))

	malformed := NewProviderError(ErrKindMalformed, 0, errors.New("garbage"))
	assert.False(t, doerrors.IsTransient(ClassifyError(malformed)))
}

func TestClassifyErrorPreservesChain(t *testing.T) {
	perr := NewProviderError(ErrKindQuota, 429, errors.New("quota"))
	classified := ClassifyError(perr)

	extracted, ok := AsProviderError(classified)
	require.True(t, ok)
	assert.Equal(t, ErrKindQuota, extracted.Kind)
}

func TestClassifyHTTPStatus(t *testing.T) {
	assert.Equal(t, ErrKindQuota, classifyHTTPStatus(429))
	assert.Equal(t, ErrKindTimeout, classifyHTTPStatus(504))
	assert.Equal(t, ErrKindTimeout, classifyHTTPStatus(503))
	assert.Equal(t, ErrKindAuth, classifyHTTPStatus(401))
	assert.Equal(t, ErrKindAuth, classifyHTTPStatus(403))
	assert.Equal(t, ErrKindMalformed, classifyHTTPStatus(422))
}

func TestStripCodeFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripCodeFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, "plain text", StripCodeFences("plain text"))
	assert.Equal(t, "code here", StripCodeFences("```\ncode here\n```"))
}

func TestDecodeStructuredValidJSON(t *testing.T) {
	var out struct {
		Name string `json:"name"`
	}
	require.NoError(t, DecodeStructured(`{"name":"todo"}`, &out))
	assert.Equal(t, "todo", out.Name)
}

func TestDecodeStructuredRepairsBrokenJSON(t *testing.T) {
	var out struct {
		Files []string `json:"files"`
	}
	// Trailing comma and single quotes are common model mistakes.
	err := DecodeStructured("```json\n{'files': ['app.js', 'store.js',]}\n```", &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"app.js", "store.js"}, out.Files)
}

func TestDecodeStructuredUnrepairableIsMalformed(t *testing.T) {
	var out map[string]any
	err := DecodeStructured("this is prose, not JSON at all", &out)
	require.Error(t, err)

	perr, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, ErrKindMalformed, perr.Kind)
}

func TestOpenAIClientComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient("gpt-4o-mini", Config{APIKey: "test-key", BaseURL: server.URL})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), CompletionRequest{Messages: UserMessage("hi")})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestOpenAIClientQuotaError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": "rate limit"}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient("gpt-4o-mini", Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), CompletionRequest{Messages: UserMessage("hi")})
	require.Error(t, err)

	perr, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, ErrKindQuota, perr.Kind)
	assert.True(t, perr.Retryable())
}

func TestOpenAIClientAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := NewOpenAIClient("gpt-4o-mini", Config{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), CompletionRequest{Messages: UserMessage("hi")})
	require.Error(t, err)

	perr, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, ErrKindAuth, perr.Kind)
	assert.False(t, perr.Retryable())
}

func TestMockClientScript(t *testing.T) {
	mock := NewMockClient(
		MockResult{Content: "first"},
		MockResult{Err: errors.New("scripted failure")},
	)

	resp, err := mock.Complete(context.Background(), CompletionRequest{Messages: UserMessage("a")})
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Content)

	_, err = mock.Complete(context.Background(), CompletionRequest{Messages: UserMessage("b")})
	require.Error(t, err)

	_, err = mock.Complete(context.Background(), CompletionRequest{Messages: UserMessage("c")})
	require.Error(t, err, "exhausted script fails")
	assert.Equal(t, 3, mock.CallCount())
}
