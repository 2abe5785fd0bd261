// Package crm talks to the account/task API: fetching per-number account
// configuration used to personalize the agent, and submitting the structured
// task produced after a call. Requests carry the signed credential set from
// auth.go.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Account is the per-business configuration returned by a lookup. An absent
// account means "use default agent behavior".
type Account struct {
	ID           string `json:"id"`
	BusinessName string `json:"business_name"`
	Instructions string `json:"instructions,omitempty"`
	Greeting     string `json:"greeting,omitempty"`
	Voice        string `json:"voice,omitempty"`
	// RoutingID addresses task submission for this account.
	RoutingID string `json:"routing_id"`
}

// Task is the structured summary of one finished call. The field set is the
// superset used across deployments; reminder fields are optional.
type Task struct {
	Heading         string `json:"heading"`
	Summary         string `json:"summary"`
	Description     string `json:"description"`
	Conversation    string `json:"conversation"`
	CustomerName    string `json:"customer_name"`
	CustomerAddress string `json:"customer_address"`
	CustomerPhone   string `json:"customer_phone"`
	Resolved        bool   `json:"resolved"`
	ReminderAt      string `json:"reminder_at,omitempty"`
	ReminderNote    string `json:"reminder_note,omitempty"`
}

type Client struct {
	baseURL    string
	apiKey     string
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

func NewClient(baseURL, apiKey, secret string) *Client {
	return NewClientWithHTTP(baseURL, apiKey, secret, &http.Client{Timeout: 10 * time.Second})
}

func NewClientWithHTTP(baseURL, apiKey, secret string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		secret:     secret,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// LookupAccount fetches the account configured for a called number. A "not
// found" response is not an error: it returns (nil, nil) and the call
// proceeds with default agent behavior.
func (c *Client) LookupAccount(ctx context.Context, calledNumber string) (*Account, error) {
	calledNumber = strings.TrimSpace(calledNumber)
	if calledNumber == "" {
		return nil, fmt.Errorf("called number is required")
	}

	reqURL := c.baseURL + "/accounts/lookup?number=" + url.QueryEscape(calledNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create lookup request: %w", err)
	}
	Sign(c.apiKey, c.secret, c.now()).Apply(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("account lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("account lookup status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var account Account
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	return &account, nil
}

// SubmitTask posts a finished task for the account's routing id. Fire and
// forget from the bridge's perspective: the caller only logs failures.
func (c *Client) SubmitTask(ctx context.Context, routingID string, task Task) error {
	routingID = strings.TrimSpace(routingID)
	if routingID == "" {
		return fmt.Errorf("routing id is required")
	}

	payload, err := json.Marshal(struct {
		RoutingID string `json:"routing_id"`
		Task      Task   `json:"task"`
	}{RoutingID: routingID, Task: task})
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create task request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	Sign(c.apiKey, c.secret, c.now()).Apply(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("task submission: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("task submission status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
