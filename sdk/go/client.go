package escrowlinesdk

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

// Client is a minimal Escrowline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Mission represents the API mission model.
type Mission struct {
	ID                 int64   `json:"id"`
	Creator            string  `json:"creator"`
	Freelancer         *string `json:"freelancer,omitempty"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	RejectionMessage   string  `json:"rejection_message,omitempty"`
	PaymentAmount      int64   `json:"payment_amount"`
	EscrowedAmount     int64   `json:"escrowed_amount"`
	DeliveryDeadline   int64   `json:"delivery_deadline"`
	ValidationPeriod   int64   `json:"validation_period"`
	DeliveredAt        int64   `json:"delivered_at,omitempty"`
	ValidationDeadline int64   `json:"validation_deadline,omitempty"`
	ArbiterEnabled     bool    `json:"arbiter_enabled"`
	CancellationType   bool    `json:"cancellation_type"`
	Status             string  `json:"status"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

// Transition represents one committed change record.
type Transition struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	MissionID   int64  `json:"mission_id"`
	Action      string `json:"action"`
	FromStatus  string `json:"from_status"`
	ToStatus    string `json:"to_status"`
	ActorID     string `json:"actor_id"`
	AmountMoved int64  `json:"amount_moved"`
}

// Status is the store-wide summary.
type Status struct {
	MissionsCount int64  `json:"missions_count"`
	EscrowedTotal int64  `json:"escrowed_total"`
	CustodyHeld   int64  `json:"custody_held"`
	Administrator string `json:"administrator"`
}

// APIError is the error envelope returned by the server.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c *Client) do(ctx context.Context, method, p string, body, out any) error {
	base := strings.TrimSuffix(c.BaseURL, "/")
	u, err := url.Parse(base + p)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	res, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		apiErr := &APIError{StatusCode: res.StatusCode, Code: "error", Message: strings.TrimSpace(string(data))}
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// CreateMissionOptions are the parameters for AddMission.
type CreateMissionOptions struct {
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	PaymentAmount    int64  `json:"payment_amount"`
	DeliveryDeadline int64  `json:"delivery_deadline"`
	ValidationPeriod int64  `json:"validation_period,omitempty"`
	ArbiterEnabled   bool   `json:"arbiter_enabled,omitempty"`
	CancellationType bool   `json:"cancellation_type,omitempty"`
}

func (c *Client) AddMission(ctx context.Context, opts CreateMissionOptions) (Mission, error) {
	var m Mission
	err := c.do(ctx, http.MethodPost, "/missions", opts, &m)
	return m, err
}

func (c *Client) GetMission(ctx context.Context, id int64) (Mission, error) {
	var m Mission
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/missions/%d", id), nil, &m)
	return m, err
}

func (c *Client) ListMissions(ctx context.Context, status string) ([]Mission, error) {
	p := "/missions"
	if status != "" {
		p += "?status=" + url.QueryEscape(status)
	}
	var items []Mission
	err := c.do(ctx, http.MethodGet, p, nil, &items)
	return items, err
}

func (c *Client) ListTransitions(ctx context.Context, id int64) ([]Transition, error) {
	var items []Transition
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/missions/%d/transitions", id), nil, &items)
	return items, err
}

func (c *Client) GetStatus(ctx context.Context) (Status, error) {
	var s Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &s)
	return s, err
}

func (c *Client) FundMission(ctx context.Context, id, amount int64) (Mission, error) {
	var m Mission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/missions/%d/fund", id), map[string]any{"amount": amount}, &m)
	return m, err
}

func (c *Client) AcceptMission(ctx context.Context, id int64) (Mission, error) {
	var m Mission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/missions/%d/accept", id), nil, &m)
	return m, err
}

func (c *Client) DeliverMission(ctx context.Context, id int64) (Mission, error) {
	var m Mission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/missions/%d/deliver", id), nil, &m)
	return m, err
}

func (c *Client) ApproveMission(ctx context.Context, id int64) (Mission, error) {
	var m Mission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/missions/%d/approve", id), nil, &m)
	return m, err
}

func (c *Client) RejectMission(ctx context.Context, id, extraTime int64, message string) (Mission, error) {
	var m Mission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/missions/%d/reject", id), map[string]any{
		"extra_time": extraTime,
		"message":    message,
	}, &m)
	return m, err
}

func (c *Client) AutoApprove(ctx context.Context, id int64) (Mission, error) {
	var m Mission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/missions/%d/auto-approve", id), nil, &m)
	return m, err
}

func (c *Client) DisputeMission(ctx context.Context, id int64, reason string) (Mission, error) {
	var m Mission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/missions/%d/dispute", id), map[string]any{"reason": reason}, &m)
	return m, err
}

func (c *Client) ResolveDispute(ctx context.Context, id int64, payFreelancer bool) (Mission, error) {
	var m Mission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/missions/%d/resolve", id), map[string]any{"pay_freelancer": payFreelancer}, &m)
	return m, err
}

func (c *Client) RefundMission(ctx context.Context, id int64) (Mission, error) {
	var m Mission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/missions/%d/refund", id), nil, &m)
	return m, err
}

func (c *Client) CancelMission(ctx context.Context, id int64) (Mission, error) {
	var m Mission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/missions/%d/cancel", id), nil, &m)
	return m, err
}

func (c *Client) UpdateDeliveryDeadline(ctx context.Context, id, deadline int64) (Mission, error) {
	var m Mission
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/missions/%d/deadline", id), map[string]any{"delivery_deadline": deadline}, &m)
	return m, err
}
