// Package graphql sends signed GraphQL queries to an AppSync endpoint
// that only accepts anonymous identity pool credentials.
//
// Responses are decoded as is, GraphQL level errors in the "errors" node
// are left for the caller to inspect.
package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dnitsch/appsync-anon-auth/internal/credentialexchange"
	"github.com/sirupsen/logrus"
)

var (
	ErrEncode     = errors.New("unable to encode graphql request")
	ErrHttpStatus = errors.New("graphql endpoint returned an error status")
	ErrDecode     = errors.New("unable to decode graphql response")
	ErrSend       = errors.New("unable to send graphql request")
)

const contentType = "application/x-amz-json-1.1"

// CredentialsProvider is satisfied by *credentialexchange.Manager
type CredentialsProvider interface {
	Credentials(ctx context.Context) (*credentialexchange.Credentials, error)
	ForceRefresh(ctx context.Context) (*credentialexchange.Credentials, error)
}

// RequestSigner is satisfied by *signer.Signer
type RequestSigner interface {
	SignRequest(ctx context.Context, req *http.Request, body []byte, signingTime time.Time, creds *credentialexchange.Credentials) error
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

func WithLogger(log logrus.FieldLogger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

type Client struct {
	endpoint   string
	provider   CredentialsProvider
	signer     RequestSigner
	httpClient *http.Client
	now        func() time.Time
	log        logrus.FieldLogger
}

func NewClient(endpoint string, provider CredentialsProvider, signer RequestSigner, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   endpoint,
		provider:   provider,
		signer:     signer,
		httpClient: http.DefaultClient,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		c.log = l
	}
	return c
}

// Send encodes req and decodes the response body into out
func (c *Client) Send(ctx context.Context, req *Request, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s, %w", err, ErrEncode)
	}
	return c.SendBody(ctx, body, out)
}

// SendBody posts an already encoded query, e.g. one built by a query
// builder. When the endpoint rejects the credentials they are refreshed
// and the request is sent once more.
func (c *Client) SendBody(ctx context.Context, body []byte, out any) error {
	creds, err := c.provider.Credentials(ctx)
	if err != nil {
		return err
	}

	status, respBody, err := c.do(ctx, body, creds)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.log.WithField("status", status).Warn("credentials rejected, refreshing")
		if creds, err = c.provider.ForceRefresh(ctx); err != nil {
			return err
		}
		if status, respBody, err = c.do(ctx, body, creds); err != nil {
			return err
		}
	}

	if status < 200 || status > 299 {
		c.log.WithField("status", status).Warn("graphql query error")
		return fmt.Errorf("response code %d: %s, %w", status, truncate(respBody, 256), ErrHttpStatus)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s, %w", err, ErrDecode)
	}
	return nil
}

// Introspection returns the full schema of the endpoint
func (c *Client) Introspection(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	if err := c.Send(ctx, NewRequest(IntrospectionQuery, "IntrospectionQuery"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, body []byte, creds *credentialexchange.Credentials) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("%s, %w", err, ErrSend)
	}
	req.Header.Set("Content-Type", contentType)
	if err := c.signer.SignRequest(ctx, req, body, c.now(), creds); err != nil {
		return 0, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s, %w", err, ErrSend)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%s, %w", err, ErrSend)
	}
	return resp.StatusCode, respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
