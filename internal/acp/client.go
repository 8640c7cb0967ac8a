// Package acp implements the outbound client side of the agent
// communication protocol. Every registered agent exposes a small HTTP
// surface at its base URL:
//
//	GET  /ping    liveness — any 2xx means the agent is alive
//	GET  /agents  agent list — used for registration-time verification
//	POST /runs    synchronous run — list of messages in, list out
//
// All requests carry "Authorization: Bearer <token>" using the token the
// agent supplied at registration. The platform never interprets message
// content; each part's content is an opaque string.
package acp

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

const (
	// probeTimeout bounds liveness and verification probes. Probes run
	// every few seconds per agent, so they must fail fast.
	probeTimeout = 2 * time.Second

	// defaultRunTimeout bounds a synchronous run when the caller's
	// context carries no earlier deadline.
	defaultRunTimeout = 120 * time.Second
)

// Message is one unit of agent input or output.
type Message struct {
	Parts []MessagePart `json:"parts"`
}

// MessagePart carries a single opaque content string.
type MessagePart struct {
	Content string `json:"content"`
}

// Text builds a single-part message from a content string.
func Text(content string) Message {
	return Message{Parts: []MessagePart{{Content: content}}}
}

// Client speaks the agent protocol against one (base_url, auth_token)
// pair. Clients are cheap to construct; the platform creates one per
// call site rather than caching them.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// New creates a Client for the agent at baseURL.
func New(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      &http.Client{},
	}
}

// Ping probes the agent's liveness endpoint. Returns true iff the agent
// answered 2xx within the probe timeout. All failures — transport
// errors, timeouts, non-2xx — collapse to false; the caller decides
// what a failed probe means.
func (c *Client) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	resp, err := c.get(ctx, "/ping")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Verify performs the registration-time reachability check against the
// agent's list endpoint. A 404 is treated as reachable: some agents do
// not serve /agents but are otherwise healthy, and registration should
// only fail when the agent is genuinely unreachable.
func (c *Client) Verify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	resp, err := c.get(ctx, "/agents")
	if err != nil {
		return fmt.Errorf("acp: failed to reach agent at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("acp: agent verification failed with status %d", resp.StatusCode)
	}
	return nil
}

// runRequest is the body of a synchronous run.
type runRequest struct {
	AgentName string    `json:"agent_name"`
	Input     []Message `json:"input"`
	Mode      string    `json:"mode"`
}

// runResponse is the subset of the run object the platform consumes.
type runResponse struct {
	Output []Message `json:"output"`
}

// RunSync invokes the named agent with the given input messages and
// blocks until the agent responds. Any transport error, non-2xx status
// or malformed body is an error.
func (c *Client) RunSync(ctx context.Context, agentName string, input []Message) ([]Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRunTimeout)
		defer cancel()
	}

	body, err := json.Marshal(runRequest{
		AgentName: agentName,
		Input:     input,
		Mode:      "sync",
	})
	if err != nil {
		return nil, fmt.Errorf("acp: failed to encode run request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/runs", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("acp: failed to build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("acp: run request to %s failed: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("acp: agent '%s' returned status %d", agentName, resp.StatusCode)
	}

	var run runResponse
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, fmt.Errorf("acp: malformed run response from agent '%s': %w", agentName, err)
	}

	return run.Output, nil
}

// RunJSON invokes the agent with a JSON object serialized into a single
// text message and parses the first output part back into an object.
// Output that is not valid JSON is wrapped as {"content": <text>}.
// This is the calling convention the flow engine uses between nodes.
func (c *Client) RunJSON(ctx context.Context, agentName string, input map[string]any) (map[string]any, error) {
	content, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("acp: failed to encode input for agent '%s': %w", agentName, err)
	}

	output, err := c.RunSync(ctx, agentName, []Message{Text(string(content))})
	if err != nil {
		return nil, err
	}

	if len(output) == 0 || len(output[0].Parts) == 0 {
		return map[string]any{}, nil
	}

	text := output[0].Parts[0].Content
	var result map[string]any
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return map[string]any{"content": text}, nil
	}
	return result, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	return c.http.Do(req)
}

func (c *Client) authorize(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}
