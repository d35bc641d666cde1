// Package dealclient is the Go client for the dealcore creator API, used
// by collaborators (mailer, PDF renderer) to read deals and record their
// events on the audit trail.
package dealclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/CapTomas/Proofo-sub003/pkg/domain"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Bearer     string
}

func New(baseURL, bearer string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
		Bearer:     bearer,
	}
}

type DealResponse struct {
	RequestID string      `json:"request_id"`
	Deal      domain.Deal `json:"deal"`
}

type CreateDealResponse struct {
	RequestID   string      `json:"request_id"`
	Deal        domain.Deal `json:"deal"`
	AccessToken string      `json:"access_token"`
}

type TimelineEvent struct {
	EventType string            `json:"event_type"`
	ActorType string            `json:"actor_type"`
	CreatedAt string            `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type TimelineResponse struct {
	RequestID string          `json:"request_id"`
	Timeline  []TimelineEvent `json:"timeline"`
}

type RecordEventRequest struct {
	EventType string            `json:"event_type"`
	ActorID   string            `json:"actor_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type CreateDealRequest struct {
	Creator struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"creator"`
	Recipient struct {
		Name  string  `json:"name"`
		Email *string `json:"email,omitempty"`
		ID    *string `json:"id,omitempty"`
	} `json:"recipient"`
	Terms      []domain.Term `json:"terms"`
	TrustLevel string        `json:"trust_level"`
}

func (c *Client) CreateDeal(ctx context.Context, in CreateDealRequest) (*CreateDealResponse, error) {
	return postJSON[CreateDealResponse](ctx, c, "/deals/v1/deals", in)
}

func (c *Client) Deal(ctx context.Context, dealID string) (*DealResponse, error) {
	return getJSON[DealResponse](ctx, c, "/deals/v1/deals/"+url.PathEscape(dealID))
}

func (c *Client) Timeline(ctx context.Context, dealID string) (*TimelineResponse, error) {
	return getJSON[TimelineResponse](ctx, c, "/deals/v1/deals/"+url.PathEscape(dealID)+"/timeline")
}

func (c *Client) Void(ctx context.Context, dealID, actorID string) (*DealResponse, error) {
	return postJSON[DealResponse](ctx, c, "/deals/v1/deals/"+url.PathEscape(dealID)+":void",
		map[string]string{"actor_id": actorID})
}

func (c *Client) Finalize(ctx context.Context, dealID string) (*DealResponse, error) {
	return postJSON[DealResponse](ctx, c, "/deals/v1/deals/"+url.PathEscape(dealID)+":finalize", struct{}{})
}

// RecordEvent appends a collaborator event (email_sent, pdf_generated) to
// the deal's audit trail.
func (c *Client) RecordEvent(ctx context.Context, dealID string, in RecordEventRequest) error {
	_, err := postJSON[map[string]any](ctx, c, "/deals/v1/deals/"+url.PathEscape(dealID)+"/events", in)
	return err
}

func getJSON[T any](ctx context.Context, c *Client, path string) (*T, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return doJSON[T](c, req)
}

func postJSON[T any](ctx context.Context, c *Client, path string, in any) (*T, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON[T](c, req)
}

func doJSON[T any](c *Client, req *http.Request) (*T, error) {
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return nil, fmt.Errorf("http %d: %v", resp.StatusCode, errBody)
	}
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
