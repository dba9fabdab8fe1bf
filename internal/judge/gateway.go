package judge

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kapu/codearena/internal/obslog"
)

const (
	defaultPollInterval     = 1500 * time.Millisecond
	defaultPollMaxAttempts  = 40
	defaultTransportBackoff = time.Second
)

// Gateway executes code submissions against the external judge service
// through a pool of rate-limited credentials with automatic failover.
type Gateway struct {
	client *Client
	pool   *Pool

	pollInterval     time.Duration
	pollMaxAttempts  int
	transportBackoff time.Duration
}

type Option func(*Gateway)

func WithPollInterval(d time.Duration) Option {
	return func(g *Gateway) { g.pollInterval = d }
}

func WithPollMaxAttempts(n int) Option {
	return func(g *Gateway) { g.pollMaxAttempts = n }
}

func WithTransportBackoff(d time.Duration) Option {
	return func(g *Gateway) { g.transportBackoff = d }
}

func New(baseURL string, secrets []string, opts ...Option) *Gateway {
	g := &Gateway{
		client:           NewClient(baseURL),
		pool:             NewPool(secrets),
		pollInterval:     defaultPollInterval,
		pollMaxAttempts:  defaultPollMaxAttempts,
		transportBackoff: defaultTransportBackoff,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ResetCredentials zeroes all failure counters. Scheduled hourly.
func (g *Gateway) ResetCredentials() {
	g.pool.Reset()
	obslog.L().Info("judge_credentials_reset")
}

// CredentialFailures exposes the per-credential failure snapshot.
func (g *Gateway) CredentialFailures() []int { return g.pool.Failures() }

// Execute runs one submission against one test case. Each failing
// credential is charged and the next healthiest untried one takes over;
// when every credential has failed within this call an *ExhaustedError
// is returned.
func (g *Gateway) Execute(ctx context.Context, sourceCode, languageID, stdin, expectedOutput string) (*Execution, error) {
	size := g.pool.Size()
	if size == 0 {
		return nil, &ExhaustedError{Attempts: 0}
	}

	tried := make(map[int]bool, size)
	var lastErr error
	for len(tried) < size {
		idx, secret, ok := g.pool.pick(tried)
		if !ok {
			break
		}
		tried[idx] = true

		exec, err := g.runOnce(ctx, idx, secret, sourceCode, languageID, stdin, expectedOutput)
		if err == nil {
			g.pool.reportSuccess(idx)
			return exec, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		g.pool.reportFailure(idx)
		lastErr = err
		obslog.L().Warn("judge_credential_failed",
			zap.Int("credential", idx),
			zap.Error(err),
		)

		// Only transport-level failures get a pause before failover;
		// HTTP rejections fail fast to the next credential.
		if classify(err) == failTransport {
			if serr := sleepWithContext(ctx, g.transportBackoff); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, &ExhaustedError{Attempts: len(tried), Last: lastErr}
}

func (g *Gateway) runOnce(ctx context.Context, idx int, secret, sourceCode, languageID, stdin, expectedOutput string) (*Execution, error) {
	token, err := g.client.Submit(ctx, secret, submissionRequest{
		SourceCode:     sourceCode,
		LanguageID:     languageID,
		Stdin:          stdin,
		ExpectedOutput: expectedOutput,
	})
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < g.pollMaxAttempts; attempt++ {
		if serr := sleepWithContext(ctx, g.pollInterval); serr != nil {
			return nil, serr
		}
		res, err := g.client.Result(ctx, secret, token)
		if errors.Is(err, errResultPending) {
			continue
		}
		if err != nil {
			return nil, err
		}
		exec := &Execution{
			Token:      token,
			StatusID:   res.Status.ID,
			Status:     res.Status.Description,
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
			Time:       res.Time,
			Memory:     res.Memory,
			Credential: idx,
		}
		exec.Passed = res.Status.ID == StatusAccepted &&
			strings.TrimSpace(res.Stdout) == strings.TrimSpace(expectedOutput)
		return exec, nil
	}
	return nil, errors.New("judge result polling exceeded attempt limit")
}

func classify(err error) failureClass {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.class()
	}
	return failTransport
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
