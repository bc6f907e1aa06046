package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultAnalysisTimeout bounds one generation request end to end.
const DefaultAnalysisTimeout = 5 * time.Minute

// Gemini implements pipeline.AnalysisGateway against the Generative Language
// API. Responses stream as a JSON array of partial chunks; Analyze
// concatenates the text fragments into the final response.
type Gemini struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewGemini creates a Gemini client.
func NewGemini(baseURL, apiKey, model string) *Gemini {
	return &Gemini{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: DefaultAnalysisTimeout,
		},
	}
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateChunk struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Analyze submits a prompt and returns the concatenated response text.
func (c *Gemini) Analyze(ctx context.Context, prompt string) (string, error) {
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s", c.baseURL, c.model, c.apiKey)

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("analysis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("analysis API error (%d %s): %s", apiErr.Error.Code, apiErr.Error.Status, apiErr.Error.Message)
		}
		return "", fmt.Errorf("analysis API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	text, err := drainStream(resp.Body)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", fmt.Errorf("analysis API returned an empty response")
	}
	return text, nil
}

// drainStream decodes the chunked JSON array response, concatenating every
// text fragment in arrival order.
func drainStream(r io.Reader) (string, error) {
	dec := json.NewDecoder(r)

	// Opening bracket of the chunk array.
	if _, err := dec.Token(); err != nil {
		return "", fmt.Errorf("failed to read response stream: %w", err)
	}

	var b strings.Builder
	for dec.More() {
		var chunk generateChunk
		if err := dec.Decode(&chunk); err != nil {
			return "", fmt.Errorf("failed to decode response chunk: %w", err)
		}
		for _, cand := range chunk.Candidates {
			for _, p := range cand.Content.Parts {
				b.WriteString(p.Text)
			}
			break // only the first candidate is used
		}
	}

	return b.String(), nil
}
