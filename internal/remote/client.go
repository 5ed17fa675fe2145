// Package remote defines the interface to the synchronization authority
// and ships the default HTTP implementation.
//
// The sync coordinator only depends on the Client interface and the
// transient/permanent error classification; the concrete transport is an
// application concern and is swapped out freely in tests.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Client delivers a single offline change to the remote authority.
// A nil return means the authority confirmed the change.
type Client interface {
	Send(ctx context.Context, changeType string, payload json.RawMessage) error
}

// SendError is a classified delivery failure. Transient failures
// (network errors, timeouts, 5xx) are retried by the coordinator;
// permanent ones (validation rejections, other 4xx) go straight to the
// failed state.
type SendError struct {
	Transient  bool
	StatusCode int
	Msg        string
	Err        error
}

func (e *SendError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s send failure: %v", kind, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s send failure: HTTP %d: %s", kind, e.StatusCode, e.Msg)
	}
	return fmt.Sprintf("%s send failure: %s", kind, e.Msg)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a delivery failure that must not be
// retried. Unclassified errors are treated as transient: retrying a
// retryable failure too little loses work, retrying a permanent one too
// much only wastes requests.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && !se.Transient
}

// IsTransient reports whether err is a retryable delivery failure.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// HTTPClient delivers changes over REST: POST {base}/api/changes/{type}
// with the payload as the JSON body.
type HTTPClient struct {
	base   *url.URL
	client *http.Client
	logger *log.Logger
}

// NewHTTPClient creates a client for the given base URL. The underlying
// http.Client carries a bounded timeout so a hung request surfaces as a
// transient failure rather than stalling the drain.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *log.Logger) (*HTTPClient, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote URL %q: %w", baseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remote URL %q must be absolute", baseURL)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	return &HTTPClient{
		base:   base,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

// Send implements Client.
func (c *HTTPClient) Send(ctx context.Context, changeType string, payload json.RawMessage) error {
	endpoint := c.base.JoinPath("api", "changes", url.PathEscape(changeType))

	body := payload
	if body == nil {
		body = json.RawMessage(`{}`)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return &SendError{Transient: false, Msg: "invalid request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport-level failure: DNS, refused connection, timeout.
		return &SendError{Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read a bounded slice of the body for the error message.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(snippet))

	return &SendError{
		Transient:  retryableStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Msg:        msg,
	}
}

// retryableStatus classifies HTTP statuses: 5xx and the two retry-me 4xx
// codes are transient, everything else in 4xx is a rejection.
func retryableStatus(code int) bool {
	switch {
	case code >= 500:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}
