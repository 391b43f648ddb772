package summary

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOpenAI struct {
	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
	auth     []string
	replies  []string
	status   int
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/chat/completions" {
		http.NotFound(w, r)
		return
	}

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	n := len(f.requests)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if f.status != 0 {
		w.WriteHeader(f.status)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "invalid api key", "type": "invalid_request_error"},
		})
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1,
		"model":   req.Model,
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": "  " + f.replies[n-1] + "\n"},
		}},
	})
}

func newTestSummarizer(t *testing.T, fake *fakeOpenAI) *Summarizer {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/v1"})
}

const frenchTranscript = `[00:00:00.000 --> 00:00:04.000]  Bonjour à tous et bienvenue dans cette réunion.
[00:00:04.000 --> 00:00:09.000]  Nous allons parler du budget de l'année prochaine et des priorités.`

func TestSummarizeReturnsBothSummaries(t *testing.T) {
	fake := &fakeOpenAI{replies: []string{"- budget\n- priorités", "La réunion porte sur le budget."}}
	s := newTestSummarizer(t, fake)

	got, err := s.Summarize(context.Background(), frenchTranscript, "sk-test-key")
	require.NoError(t, err)

	assert.Equal(t, "- budget\n- priorités", got.Bullets)
	assert.Equal(t, "La réunion porte sur le budget.", got.Detailed)

	require.Len(t, fake.requests, 2)
	assert.Equal(t, DefaultModel, fake.requests[0].Model)
	assert.Equal(t, 200, fake.requests[0].MaxTokens)
	assert.Equal(t, 300, fake.requests[1].MaxTokens)
	assert.Equal(t, "Bearer sk-test-key", fake.auth[0])

	prompt := fake.requests[0].Messages[1].Content
	assert.Contains(t, prompt, "The text is in 'fr'")
	assert.NotContains(t, prompt, "-->")
}

func TestSummarizeRejectsShortText(t *testing.T) {
	fake := &fakeOpenAI{}
	s := newTestSummarizer(t, fake)

	_, err := s.Summarize(context.Background(), "[00:00:00.000 --> 00:00:01.000]  ok", "sk-test-key")
	assert.ErrorIs(t, err, ErrTextTooShort)
	assert.Empty(t, fake.requests)
}

func TestSummarizeRequiresKey(t *testing.T) {
	s := New(Config{})
	_, err := s.Summarize(context.Background(), frenchTranscript, " ")
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestSummarizeSurfacesAPIErrors(t *testing.T) {
	fake := &fakeOpenAI{status: http.StatusUnauthorized}
	s := newTestSummarizer(t, fake)

	_, err := s.Summarize(context.Background(), frenchTranscript, "sk-bad")
	require.Error(t, err)

	var apiErr *openai.APIError
	assert.True(t, errors.As(err, &apiErr))
}

func TestClean(t *testing.T) {
	in := "[00:00:00.000 --> 00:00:02.000]  Hello there\n" +
		"\n" +
		"[00:00:02.000 --> 00:00:04.000]  *music*\n" +
		"[00:00:04.000 --> 00:00:06.000]  General *laughs* Kenobi\n"

	assert.Equal(t, "Hello there\nGeneral  Kenobi", Clean(in))
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "en", DetectLanguage("The quick brown fox jumps over the lazy dog while everyone watches."))
	assert.Equal(t, "fr", DetectLanguage("Bonjour à tous et bienvenue dans cette réunion sur le budget de l'année prochaine."))
	assert.Equal(t, "en", DetectLanguage(""))
}
