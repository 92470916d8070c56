package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/casafone/voicegate/internal/metrics"
)

// NewPooledHTTPClient creates an http.Client with connection pooling tuned
// for the stage sidecars.
func NewPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          poolSize,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}

// MultipartTranscriber sends audio as a multipart upload to any
// whisper-compatible HTTP endpoint. Backends only vary by endpoint path;
// the label field is used in error messages and logs.
type MultipartTranscriber struct {
	url      string
	endpoint string
	label    string
	client   *http.Client
}

// NewMultipartTranscriber creates a transcriber for a whisper-style server.
func NewMultipartTranscriber(url, endpoint, label string, poolSize int) *MultipartTranscriber {
	return &MultipartTranscriber{
		url:      url,
		endpoint: endpoint,
		label:    label,
		client:   NewPooledHTTPClient(poolSize, 30*time.Second),
	}
}

type transcribeResponse struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
}

// Transcribe uploads the audio chunk and returns the transcript.
func (c *MultipartTranscriber) Transcribe(ctx context.Context, audioChunk []byte) (*TranscriptResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "chunk.pcm")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err = part.Write(audioChunk); err != nil {
		return nil, fmt.Errorf("write audio: %w", err)
	}
	if err = writer.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+c.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", c.label, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("transcribe", "http").Inc()
		return nil, fmt.Errorf("%s request: %w", c.label, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("transcribe", "status").Inc()
		return nil, fmt.Errorf("%s status %d: %s", c.label, resp.StatusCode, respBody)
	}

	var out transcribeResponse
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", c.label, err)
	}
	return &TranscriptResult{Text: out.Text, IsFinal: out.IsFinal, Confidence: out.Confidence}, nil
}

// HTTPInterpreter calls a JSON intent endpoint, forwarding the session's
// conversation turns for multi-turn context.
type HTTPInterpreter struct {
	url          string
	systemPrompt string
	client       *http.Client
}

func NewHTTPInterpreter(url, systemPrompt string, poolSize int) *HTTPInterpreter {
	return &HTTPInterpreter{
		url:          url,
		systemPrompt: systemPrompt,
		client:       NewPooledHTTPClient(poolSize, 60*time.Second),
	}
}

type interpretRequest struct {
	Text         string `json:"text"`
	SystemPrompt string `json:"system_prompt"`
	SessionID    string `json:"session_id"`
	TenantID     string `json:"tenant_id"`
	Turns        []struct {
		User      string `json:"user"`
		Assistant string `json:"assistant"`
	} `json:"turns,omitempty"`
}

func (c *HTTPInterpreter) Interpret(ctx context.Context, text string, sc SessionContext) (*IntentResult, error) {
	reqBody := interpretRequest{
		Text:         text,
		SystemPrompt: c.systemPrompt,
		SessionID:    sc.SessionID,
		TenantID:     sc.TenantID,
	}
	for _, t := range sc.Turns {
		reqBody.Turns = append(reqBody.Turns, struct {
			User      string `json:"user"`
			Assistant string `json:"assistant"`
		}{User: t.User, Assistant: t.Assistant})
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal interpret request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/interpret", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create interpret request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("interpret", "http").Inc()
		return nil, fmt.Errorf("interpret request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("interpret", "status").Inc()
		return nil, fmt.Errorf("interpret status %d: %s", resp.StatusCode, respBody)
	}

	var out IntentResult
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode interpret response: %w", err)
	}
	return &out, nil
}

// HTTPSynthesizer posts response text to a piper-style /synthesize endpoint
// and returns the raw audio bytes.
type HTTPSynthesizer struct {
	url    string
	voice  string
	client *http.Client
}

func NewHTTPSynthesizer(url, voice string, client *http.Client) *HTTPSynthesizer {
	return &HTTPSynthesizer{url: url, voice: voice, client: client}
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, responseText string) ([]byte, error) {
	body, err := json.Marshal(struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}{Text: responseText, Voice: s.voice})
	if err != nil {
		return nil, fmt.Errorf("marshal synthesize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.url+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create synthesize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("synthesize", "http").Inc()
		return nil, fmt.Errorf("synthesize request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("synthesize", "status").Inc()
		return nil, fmt.Errorf("synthesize status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
