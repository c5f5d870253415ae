package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/translate", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req TranslateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Text)
		assert.Equal(t, "ja", req.TargetLang)

		json.NewEncoder(w).Encode(Result{
			Kind: KindTranslation,
			Translation: &Translation{
				Text: "こんにちは",
				Words: []Word{
					{Word: "こんにちは", Gloss: "hello", Romanization: "konnichiwa"},
				},
			},
		})
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	result, err := client.Translate(context.Background(), TranslateRequest{Text: "hello", TargetLang: "ja"})
	require.NoError(t, err)
	require.Equal(t, KindTranslation, result.Kind)
	require.NotNil(t, result.Translation)
	assert.Equal(t, "こんにちは", result.Translation.Text)
	require.Len(t, result.Translation.Words, 1)
	assert.Equal(t, "konnichiwa", result.Translation.Words[0].Romanization)
}

func TestTranslateBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(Result{Error: &APIError{Code: "unsupported_lang", Message: "no model for xx"}})
	}))
	defer srv.Close()

	client := NewClient("", WithBaseURL(srv.URL))
	_, err := client.Translate(context.Background(), TranslateRequest{Text: "hello", TargetLang: "xx"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "unsupported_lang", apiErr.Code)
}

func TestSynthesizeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/speech", r.URL.Path)
		json.NewEncoder(w).Encode(Result{
			Kind:   KindSpeech,
			Speech: &SpeechRef{URL: "/audio/1.mp3", MimeType: "audio/mpeg", DurationMs: 1200},
		})
	}))
	defer srv.Close()

	client := NewClient("", WithBaseURL(srv.URL))
	result, err := client.Synthesize(context.Background(), SynthesizeRequest{Text: "hello", Lang: "en"})
	require.NoError(t, err)
	require.Equal(t, KindSpeech, result.Kind)
	require.NotNil(t, result.Speech)
	assert.Equal(t, "audio/mpeg", result.Speech.MimeType)
}

func TestNoAuthorizationHeaderWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(Result{Kind: KindTranslation, Translation: &Translation{Text: "hi"}})
	}))
	defer srv.Close()

	client := NewClient("", WithBaseURL(srv.URL))
	_, err := client.Translate(context.Background(), TranslateRequest{Text: "hi", TargetLang: "en"})
	require.NoError(t, err)
}
