package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"clockswitch/internal/chain"
	"clockswitch/internal/storage"
	"clockswitch/pkg/pubkey"
)

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   ErrorBody
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rpc %d: %s", e.Status, e.Body.Error)
}

// Client calls a running server.
type Client struct {
	base  string
	token string
	hc    *http.Client
}

func NewClient(base, token string) *Client {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, token: strings.TrimSpace(token), hc: &http.Client{Timeout: 30 * time.Second}}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Body); err != nil {
			apiErr.Body.Error = resp.Status
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) Initialize(ctx context.Context, threadID string) (InitializeResult, error) {
	var out InitializeResult
	err := c.do(ctx, http.MethodPost, "/v1/initialize", InitializeRequest{ThreadID: threadID}, &out)
	return out, err
}

func (c *Client) Toggle(ctx context.Context) (ToggleResult, error) {
	var out ToggleResult
	err := c.do(ctx, http.MethodPost, "/v1/toggle", struct{}{}, &out)
	return out, err
}

func (c *Client) Switch(ctx context.Context) (SwitchView, error) {
	var out SwitchView
	err := c.do(ctx, http.MethodGet, "/v1/switch", nil, &out)
	return out, err
}

func (c *Client) Thread(ctx context.Context, address pubkey.Key) (ThreadView, error) {
	var out ThreadView
	err := c.do(ctx, http.MethodGet, "/v1/threads/"+address.String(), nil, &out)
	return out, err
}

func (c *Client) Account(ctx context.Context, address pubkey.Key) (AccountView, error) {
	var out AccountView
	err := c.do(ctx, http.MethodGet, "/v1/accounts/"+address.String(), nil, &out)
	return out, err
}

func (c *Client) Airdrop(ctx context.Context, address pubkey.Key, lamports uint64) (chain.Receipt, error) {
	var out chain.Receipt
	err := c.do(ctx, http.MethodPost, "/v1/airdrop", AirdropRequest{Address: address, Lamports: lamports}, &out)
	return out, err
}

func (c *Client) Invocations(ctx context.Context, limit int) ([]storage.InvocationRecord, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/invocations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out InvocationsResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Invocations, err
}

func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var out Snapshot
	err := c.do(ctx, http.MethodGet, "/v1/snapshot", nil, &out)
	return out, err
}
