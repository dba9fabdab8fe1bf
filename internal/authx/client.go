package authx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrUnauthenticated means the auth service rejected the token.
var ErrUnauthenticated = errors.New("token rejected by auth service")

// Identity is the verified principal behind a bearer token.
type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// Verifier resolves bearer tokens to identities.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Client verifies tokens against the external auth service. Tokens are
// opaque here; the service owns their format and lifetime.
type Client struct {
	baseURL string
	http    *fasthttp.Client
	timeout time.Duration
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		timeout: 10 * time.Second,
	}
}

// Verify asks the auth service who the bearer token belongs to.
func (c *Client) Verify(ctx context.Context, token string) (*Identity, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrUnauthenticated
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(c.baseURL + "/me")
	req.Header.Set("Authorization", "Bearer "+token)

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("auth request failed: %w", err)
	}

	status := resp.StatusCode()
	if status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden {
		return nil, ErrUnauthenticated
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("auth service returned status %d", status)
	}

	var id Identity
	if err := json.Unmarshal(resp.Body(), &id); err != nil {
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	if id.UserID == "" {
		return nil, ErrUnauthenticated
	}
	return &id, nil
}
