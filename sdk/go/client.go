package pavillionsdk

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

// Client is a minimal Pavillion admin API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Actor is a federation identity. Private keys are never returned.
type Actor struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	ActorURI   string `json:"actor_uri"`
	Username   string `json:"username,omitempty"`
	AccountID  string `json:"account_id,omitempty"`
	CalendarID string `json:"calendar_id,omitempty"`
	InboxURL   string `json:"inbox_url,omitempty"`
	PublicKey  string `json:"public_key"`
	CreatedAt  string `json:"created_at"`
}

// Edge is an editor grant on a calendar.
type Edge struct {
	ID               string `json:"id"`
	ResourceID       string `json:"resource_id"`
	AccountID        string `json:"account_id,omitempty"`
	ActorID          string `json:"actor_id,omitempty"`
	Role             string `json:"role"`
	CalendarActorURI string `json:"calendar_actor_uri,omitempty"`
	CalendarInboxURL string `json:"calendar_inbox_url,omitempty"`
	CalendarDomain   string `json:"calendar_domain,omitempty"`
	GrantedBy        string `json:"granted_by,omitempty"`
	GrantedAt        string `json:"granted_at"`
}

type Editor struct {
	Edge  Edge   `json:"edge"`
	Actor *Actor `json:"actor,omitempty"`
}

type Delivery struct {
	MessageID string `json:"message_id"`
	InboxURL  string `json:"inbox_url"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

type OutboxMessage struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	CalendarID  string          `json:"calendar_id"`
	MessageTime string          `json:"message_time"`
	Message     json.RawMessage `json:"message"`
	Deliveries  []Delivery      `json:"deliveries"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateAccountActor returns the actor of an account, creating it if needed.
func (c *Client) CreateAccountActor(ctx context.Context, accountID string) (Actor, error) {
	var resp Actor
	err := c.do(ctx, http.MethodPost, "accounts/"+url.PathEscape(accountID)+"/actor", nil, &resp)
	return resp, err
}

// CreateCalendarActor returns the actor of a calendar, creating it if needed.
func (c *Client) CreateCalendarActor(ctx context.Context, calendarID string) (Actor, error) {
	var resp Actor
	err := c.do(ctx, http.MethodPost, "calendars/"+url.PathEscape(calendarID)+"/actor", nil, &resp)
	return resp, err
}

// GrantEditor gives user@host edit rights on a calendar.
func (c *Client) GrantEditor(ctx context.Context, calendarID, handle string) (Edge, error) {
	var resp Edge
	err := c.do(ctx, http.MethodPost, "calendars/"+url.PathEscape(calendarID)+"/editors", map[string]any{"handle": handle}, &resp)
	return resp, err
}

func (c *Client) ListEditors(ctx context.Context, calendarID string) ([]Editor, error) {
	var resp []Editor
	err := c.do(ctx, http.MethodGet, "calendars/"+url.PathEscape(calendarID)+"/editors", nil, &resp)
	return resp, err
}

func (c *Client) RevokeEditor(ctx context.Context, calendarID, actorID string) error {
	endpoint := fmt.Sprintf("calendars/%s/editors/%s", url.PathEscape(calendarID), url.PathEscape(actorID))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Enqueue appends an activity to a calendar's outbox. It reports false when
// the activity's actor is not the calendar.
func (c *Client) Enqueue(ctx context.Context, calendarID string, activity map[string]any) (bool, error) {
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	err := c.do(ctx, http.MethodPost, "calendars/"+url.PathEscape(calendarID)+"/outbox", map[string]any{"activity": activity}, &resp)
	return resp.Accepted, err
}

// Outbox lists recent outbox messages, optionally for one calendar.
func (c *Client) Outbox(ctx context.Context, calendarID string, limit int) ([]OutboxMessage, error) {
	q := url.Values{}
	if calendarID != "" {
		q.Set("calendar_id", calendarID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "outbox"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []OutboxMessage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
