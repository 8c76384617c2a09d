package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentcom/agentcom/pkg/types"
)

// Client talks to a running hub's control surface over HTTP. CLI
// commands and external tools share it.
type Client struct {
	base       string
	adminToken string
	http       *http.Client
}

// New returns a client for the hub at addr (e.g. http://127.0.0.1:8420).
// The admin token is only required for token administration.
func New(addr, adminToken string) *Client {
	return &Client{
		base:       strings.TrimRight(addr, "/"),
		adminToken: adminToken,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is the hub's uniform error body.
type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(method, path string, body, out interface{}, admin bool) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hub unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// SubmitTaskRequest mirrors the control surface's task submission body.
type SubmitTaskRequest struct {
	Description        string            `json:"description"`
	Priority           string            `json:"priority"`
	SubmittedBy        string            `json:"submitted_by,omitempty"`
	NeededCapabilities []string          `json:"needed_capabilities,omitempty"`
	MaxRetries         int               `json:"max_retries,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	DependsOn          []string          `json:"depends_on,omitempty"`
}

// SubmitTask submits a task and returns the stored record.
func (c *Client) SubmitTask(req SubmitTaskRequest) (*types.Task, error) {
	var task types.Task
	if err := c.do(http.MethodPost, "/tasks", req, &task, false); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns tasks matching the given filters. Empty filter
// values are omitted.
func (c *Client) ListTasks(status, priority string) ([]*types.Task, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if priority != "" {
		q.Set("priority", priority)
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Tasks []*types.Task `json:"tasks"`
	}
	if err := c.do(http.MethodGet, path, nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// GetTask fetches one task by id.
func (c *Client) GetTask(id string) (*types.Task, error) {
	var task types.Task
	if err := c.do(http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &task, false); err != nil {
		return nil, err
	}
	return &task, nil
}

// RetryTask requeues a dead-lettered task.
func (c *Client) RetryTask(id string) error {
	return c.do(http.MethodPost, "/tasks/"+url.PathEscape(id)+"/retry", nil, nil, false)
}

// SubmitGoalRequest mirrors the goal submission body.
type SubmitGoalRequest struct {
	Title           string `json:"title,omitempty"`
	Description     string `json:"description"`
	SuccessCriteria string `json:"success_criteria,omitempty"`
	Priority        string `json:"priority,omitempty"`
}

// SubmitGoal submits a goal for decomposition.
func (c *Client) SubmitGoal(req SubmitGoalRequest) (*types.Goal, error) {
	var g types.Goal
	if err := c.do(http.MethodPost, "/goals", req, &g, false); err != nil {
		return nil, err
	}
	return &g, nil
}

// GetGoal fetches one goal by id.
func (c *Client) GetGoal(id string) (*types.Goal, error) {
	var g types.Goal
	if err := c.do(http.MethodGet, "/goals/"+url.PathEscape(id), nil, &g, false); err != nil {
		return nil, err
	}
	return &g, nil
}

// ListAgents returns the presence snapshots of connected agents.
func (c *Client) ListAgents() ([]*types.AgentSnapshot, error) {
	var resp struct {
		Agents []*types.AgentSnapshot `json:"agents"`
	}
	if err := c.do(http.MethodGet, "/agents", nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// HubState describes the hub FSM as reported by the control surface.
type HubState struct {
	State   string                `json:"state"`
	Paused  bool                  `json:"paused"`
	History []types.HubTransition `json:"history"`
}

// GetHubState returns the hub's current state, pause flag, and
// transition history.
func (c *Client) GetHubState() (*HubState, error) {
	var st HubState
	if err := c.do(http.MethodGet, "/hub/state", nil, &st, false); err != nil {
		return nil, err
	}
	return &st, nil
}

// Pause disables autonomous hub transitions.
func (c *Client) Pause() error {
	return c.do(http.MethodPost, "/hub/pause", nil, nil, false)
}

// Resume re-enables autonomous hub transitions.
func (c *Client) Resume() error {
	return c.do(http.MethodPost, "/hub/resume", nil, nil, false)
}

// GenerateToken creates a registration token for an agent id. Requires
// the admin token.
func (c *Client) GenerateToken(agentID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(http.MethodPost, "/admin/tokens",
		map[string]string{"agent_id": agentID}, &resp, true)
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

// RevokeToken deletes an agent's registration token. Requires the
// admin token.
func (c *Client) RevokeToken(agentID string) error {
	return c.do(http.MethodDelete, "/admin/tokens/"+url.PathEscape(agentID), nil, nil, true)
}

// Credential is a registered token as listed by the hub, with the
// token value redacted.
type Credential struct {
	AgentID   string    `json:"agent_id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// ListTokens returns the registered credentials with redacted token
// values. Requires the admin token.
func (c *Client) ListTokens() ([]*Credential, error) {
	var resp struct {
		Tokens []*Credential `json:"tokens"`
	}
	if err := c.do(http.MethodGet, "/admin/tokens", nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Tokens, nil
}
