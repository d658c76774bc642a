// Package client is an HTTP client for the captcha endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"capgate/internal/captcha/handler"
	"capgate/internal/captcha/pow"
)

// DefaultTimeout bounds each request when no http.Client is supplied.
const DefaultTimeout = 30 * time.Second

// StatusError is returned when the server answers with an unexpected status.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("captcha server: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("captcha server: status %d", e.Status)
}

// Client talks to a capgate server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL. A nil hc gets an otelhttp-instrumented client with DefaultTimeout.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// Issue requests a new challenge.
func (c *Client) Issue(ctx context.Context) (*handler.ChallengeResponse, error) {
	var out handler.ChallengeResponse
	status, err := c.post(ctx, "/api/cap/challenge", nil, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{Status: status}
	}
	return &out, nil
}

// Redeem submits solutions. A rejected or invalid challenge is reported as Success false with a nil error.
func (c *Client) Redeem(ctx context.Context, token string, solutions []uint64) (*handler.RedeemResponse, error) {
	var out handler.RedeemResponse
	status, err := c.post(ctx, "/api/cap/redeem", handler.RedeemRequest{Token: token, Solutions: solutions}, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusBadRequest {
		return nil, &StatusError{Status: status}
	}
	return &out, nil
}

// Validate spends a redemption token and reports whether it was accepted.
func (c *Client) Validate(ctx context.Context, token string) (bool, error) {
	var out handler.ValidateResponse
	status, err := c.post(ctx, "/api/cap/validate", handler.ValidateRequest{Token: token}, &out)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, &StatusError{Status: status}
	}
	return out.Success, nil
}

// Solve issues a challenge, solves it locally and redeems it.
func (c *Client) Solve(ctx context.Context) (*handler.RedeemResponse, error) {
	ch, err := c.Issue(ctx)
	if err != nil {
		return nil, err
	}
	sols, err := pow.SolveAll(ctx, ch.Challenge.Salts, ch.Challenge.Difficulty)
	if err != nil {
		return nil, fmt.Errorf("solve challenge: %w", err)
	}
	return c.Redeem(ctx, ch.Token, sols)
}

// post sends body as JSON and decodes a 200 or 400 response into out. Other statuses return
// the status with the server's error text, if any, as a *StatusError.
func (c *Client) post(ctx context.Context, path string, body, out any) (int, error) {
	var r io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, r)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusBadRequest:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("POST %s: decode response: %w", path, err)
		}
		return resp.StatusCode, nil
	default:
		var e handler.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		msg := e.Error
		if e.Message != "" {
			msg += ": " + e.Message
		}
		return resp.StatusCode, &StatusError{Status: resp.StatusCode, Message: msg}
	}
}
