// Package ai is the typed client for the translation/TTS collaborator. The
// engine treats its responses as opaque message enrichment; no language
// logic lives on this side of the boundary.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8090"
	DefaultTimeout = 30 * time.Second
)

// Client talks to the AI backend over JSON/HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a client. apiKey may be empty for local backends.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a structured error returned by the backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ResultKind discriminates the union of result payloads.
type ResultKind string

const (
	KindTranslation ResultKind = "translation"
	KindSpeech      ResultKind = "speech"
)

// Result is the tagged union carried back across the boundary. Exactly one
// payload field matching Kind is set.
type Result struct {
	Kind        ResultKind   `json:"kind"`
	Translation *Translation `json:"translation,omitempty"`
	Speech      *SpeechRef   `json:"speech,omitempty"`
	Error       *APIError    `json:"error,omitempty"`
}

// Translation is translated text plus word-level annotations.
type Translation struct {
	Text  string `json:"text"`
	Words []Word `json:"words,omitempty"`
}

// Word is a single word-level gloss.
type Word struct {
	Word         string `json:"word"`
	Gloss        string `json:"gloss"`
	Romanization string `json:"romanization,omitempty"`
}

// SpeechRef points at synthesized audio hosted by the backend.
type SpeechRef struct {
	URL        string `json:"url"`
	MimeType   string `json:"mime_type"`
	DurationMs int    `json:"duration_ms"`
}

// TranslateRequest asks for a translation of plain text.
type TranslateRequest struct {
	Text       string `json:"text"`
	SourceLang string `json:"source_lang,omitempty"`
	TargetLang string `json:"target_lang"`
}

// SynthesizeRequest asks for spoken audio of plain text.
type SynthesizeRequest struct {
	Text  string `json:"text"`
	Lang  string `json:"lang"`
	Voice string `json:"voice,omitempty"`
}

// Translate requests a translation result.
func (c *Client) Translate(ctx context.Context, req TranslateRequest) (*Result, error) {
	return c.post(ctx, "/v1/translate", req)
}

// Synthesize requests a speech result.
func (c *Client) Synthesize(ctx context.Context, req SynthesizeRequest) (*Result, error) {
	return c.post(ctx, "/v1/speech", req)
}

func (c *Client) post(ctx context.Context, path string, payload any) (*Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode ai response: %w", err)
	}
	if result.Error != nil {
		return nil, result.Error
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ai backend returned status %d", resp.StatusCode)
	}
	return &result, nil
}
