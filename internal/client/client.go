// Package client talks to the remote dues API. Every call carries its own
// timeout and every failure comes back as an *api.Error.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/abjerry97/duespay/api"
)

type Timeouts struct {
	Association time.Duration
	PayerCheck  time.Duration
	Submission  time.Duration
	Status      time.Duration
	Refresh     time.Duration
}

var DefaultTimeouts = Timeouts{
	Association: 20 * time.Second,
	PayerCheck:  30 * time.Second,
	Submission:  50 * time.Second,
	Status:      20 * time.Second,
	Refresh:     15 * time.Second,
}

// TokenSource supplies bearer tokens. Refresh is handed the token that was
// rejected so that concurrent callers can share a single refresh.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context, stale string) (string, error)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	timeouts   Timeouts
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

func WithTimeouts(t Timeouts) Option {
	return func(c *Client) { c.timeouts = t }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeouts:   DefaultTimeouts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Timeouts() Timeouts {
	return c.timeouts
}

type request struct {
	method      string
	path        string
	body        []byte
	contentType string
	header      http.Header
	timeout     time.Duration
	auth        bool
}

type response struct {
	status int
	body   []byte
}

func (r *response) ok() bool {
	return r.status >= 200 && r.status < 300
}

// send performs req, refreshing the bearer token and retrying once on 401.
func (c *Client) send(ctx context.Context, req request) (*response, error) {
	var token string
	if req.auth && c.tokens != nil {
		var err error
		if token, err = c.tokens.Token(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := c.attempt(ctx, req, token)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusUnauthorized && token != "" {
		fresh, err := c.tokens.Refresh(ctx, token)
		if err != nil {
			return nil, err
		}
		return c.attempt(ctx, req, fresh)
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, req request, token string) (*response, error) {
	callCtx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.method, c.baseURL+req.path, body)
	if err != nil {
		return nil, api.NewError(api.ErrUnknown, "").Wrap(errors.Wrap(err, "build request"))
	}
	for key, values := range req.header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, transportError(ctx, err)
	}

	log.WithFields(log.Fields{
		"method":   req.method,
		"path":     req.path,
		"status":   httpResp.StatusCode,
		"duration": time.Since(start),
	}).Debug("api request")

	return &response{status: httpResp.StatusCode, body: data}, nil
}

// transportError classifies a failure that produced no HTTP response. A
// cancelled parent context is passed through untouched so callers can tell
// teardown apart from a failed request.
func transportError(parent context.Context, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return errors.WithStack(parent.Err())
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return api.NewError(api.ErrTimeout, "").Wrap(err)
	}
	return api.NewError(api.ErrNetwork, "").Wrap(err)
}

// errorFromResponse classifies a response the caller did not accept.
func errorFromResponse(resp *response) *api.Error {
	if fields := parseFieldErrors(resp.body); len(fields) > 0 {
		apiErr := api.FieldErrors(fields)
		apiErr.Status = resp.status
		return apiErr
	}

	kind := api.ErrUnknown
	if !resp.ok() {
		kind = api.KindForStatus(resp.status)
	}

	var message string
	switch kind {
	case api.ErrPermission, api.ErrNotFound, api.ErrUnknown:
		message = serverMessage(resp.body)
	}
	apiErr := api.NewError(kind, message)
	apiErr.Status = resp.status
	return apiErr
}

var reservedKeys = map[string]bool{
	"success": true,
	"error":   true,
	"errors":  true,
	"message": true,
	"detail":  true,
	"status":  true,
	"code":    true,
	"data":    true,
}

// parseFieldErrors extracts a {field: [messages]} payload, either at the top
// level or nested under "errors" or "error".
func parseFieldErrors(body []byte) map[string][]string {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil
	}

	for _, key := range []string{"errors", "error"} {
		if nested, ok := raw[key]; ok && len(nested) > 0 && nested[0] == '{' {
			if fields := parseFieldErrors(nested); len(fields) > 0 {
				return fields
			}
		}
	}

	fields := make(map[string][]string)
	for key, value := range raw {
		if reservedKeys[key] {
			continue
		}
		var messages []string
		if err := json.Unmarshal(value, &messages); err == nil && len(messages) > 0 {
			fields[key] = messages
		}
	}
	return fields
}

func serverMessage(body []byte) string {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return ""
	}
	for _, key := range []string{"error", "message", "detail"} {
		var s string
		if err := json.Unmarshal(raw[key], &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

// unwrapData returns the contents of a {"data": {...}} envelope, or body as is.
func unwrapData(body []byte) []byte {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 && envelope.Data[0] == '{' {
		return envelope.Data
	}
	return body
}

func decode(body []byte, out interface{}) error {
	if err := json.Unmarshal(body, out); err != nil {
		return api.NewError(api.ErrUnknown, "The server sent an unexpected response.").Wrap(errors.Wrap(err, "decode response"))
	}
	return nil
}

func jsonRequest(method, path string, payload interface{}, timeout time.Duration) (request, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return request{}, errors.Wrap(err, "encode request")
	}
	return request{
		method:      method,
		path:        path,
		body:        data,
		contentType: "application/json",
		timeout:     timeout,
		auth:        true,
	}, nil
}
