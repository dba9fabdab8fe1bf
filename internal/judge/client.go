package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

const secretHeader = "X-Auth-Token"

type submissionRequest struct {
	SourceCode     string `json:"source_code"`
	LanguageID     string `json:"language_id"`
	Stdin          string `json:"stdin,omitempty"`
	ExpectedOutput string `json:"expected_output,omitempty"`
}

type submissionToken struct {
	Token string `json:"token"`
}

type resultResponse struct {
	Status struct {
		ID          int    `json:"id"`
		Description string `json:"description"`
	} `json:"status"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Time   string `json:"time"`
	Memory int    `json:"memory"`
}

// Client talks to the external execution service: one POST to enqueue a
// submission, then GETs by token until the verdict is terminal.
type Client struct {
	baseURL string
	http    *fasthttp.Client

	defaultTimeout time.Duration
}

type ClientOption func(*Client)

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithMaxConnsPerHost(n int) ClientOption {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 15 * time.Second, WriteTimeout: 15 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit enqueues one execution and returns its opaque token.
func (c *Client) Submit(ctx context.Context, secret string, req submissionRequest) (string, error) {
	var tok submissionToken
	if err := c.doJSON(ctx, secret, fasthttp.MethodPost, "/submissions?base64_encoded=false&wait=false", req, &tok); err != nil {
		return "", err
	}
	if strings.TrimSpace(tok.Token) == "" {
		return "", fmt.Errorf("judge returned empty submission token")
	}
	return tok.Token, nil
}

// Result fetches the verdict for a token. errResultPending is returned
// while the submission is still queued or running.
func (c *Client) Result(ctx context.Context, secret, token string) (*resultResponse, error) {
	var res resultResponse
	path := "/submissions/" + token + "?base64_encoded=false&fields=status,stdout,stderr,time,memory"
	if err := c.doJSON(ctx, secret, fasthttp.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	if res.Status.ID < StatusAccepted {
		return &res, errResultPending
	}
	return &res, nil
}

func (c *Client) doJSON(ctx context.Context, secret, method, path string, in any, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType("application/json")
	if secret != "" {
		req.Header.Set(secretHeader, secret)
	}

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	if err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx)); err != nil {
		return fmt.Errorf("judge request failed: %w", err)
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return &apiError{status: status, body: truncate(string(resp.Body()), 512)}
	}

	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decode judge response: %w", err)
		}
	}
	return nil
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
