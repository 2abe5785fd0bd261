// Package summary turns a finished call transcript into a structured task by
// calling a hosted generative text API. The model is prompted to reply with a
// single JSON object, but responses routinely wrap it in prose, so the client
// extracts the first well-formed JSON object from the body.
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vango-go/callgate/pkg/core/crm"
)

const maxResponseBytes = 1 << 20

// Request carries everything the summarizer needs about one call.
type Request struct {
	// Conversation is the rendered transcript, one "speaker: text" line per turn.
	Conversation string
	BusinessName string
	CallerNumber string
}

type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey, model string) *Client {
	return NewClientWithHTTP(baseURL, apiKey, model, &http.Client{Timeout: 30 * time.Second})
}

func NewClientWithHTTP(baseURL, apiKey, model string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: httpClient,
	}
}

// Summarize asks the text API for a structured task describing the call.
// Failures are terminal for the caller: there is no retry policy.
func (c *Client) Summarize(ctx context.Context, req Request) (*crm.Task, error) {
	if strings.TrimSpace(req.Conversation) == "" {
		return nil, fmt.Errorf("conversation is empty")
	}

	payload, err := json.Marshal(struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}{Model: c.model, Prompt: buildPrompt(req)})
	if err != nil {
		return nil, fmt.Errorf("encode summarize request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create summarize request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read summarize response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("summarize status %d: %s", resp.StatusCode, truncate(string(body), 240))
	}

	raw, ok := ExtractJSONObject(string(body))
	if !ok {
		return nil, fmt.Errorf("no task object in summarize response")
	}
	var task crm.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("decode task object: %w", err)
	}
	return &task, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Summarize the following phone conversation into a single JSON object with the fields ")
	b.WriteString(`heading, summary, description, conversation, customer_name, customer_address, customer_phone, resolved, and optionally reminder_at and reminder_note. `)
	b.WriteString("Reply with the JSON object only.\n\n")
	if name := strings.TrimSpace(req.BusinessName); name != "" {
		fmt.Fprintf(&b, "Business: %s\n", name)
	}
	if phone := strings.TrimSpace(req.CallerNumber); phone != "" {
		fmt.Fprintf(&b, "Caller: %s\n", phone)
	}
	b.WriteString("\nConversation:\n")
	b.WriteString(req.Conversation)
	return b.String()
}

// ExtractJSONObject returns the first well-formed JSON object embedded in s,
// byte for byte as it appears. Brace matching skips braces inside strings.
func ExtractJSONObject(s string) (json.RawMessage, bool) {
	for start := 0; start < len(s); start++ {
		if s[start] != '{' {
			continue
		}
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(s); i++ {
			ch := s[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case ch == '\\':
					escaped = true
				case ch == '"':
					inString = false
				}
				continue
			}
			switch ch {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := s[start : i+1]
					if json.Valid([]byte(candidate)) {
						return json.RawMessage(candidate), true
					}
					// Balanced but invalid; resume scanning after this brace.
					i = len(s)
				}
			}
		}
	}
	return nil, false
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multibyte sequence.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
