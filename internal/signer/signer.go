// Package signer signs outgoing API requests with AWS Signature Version 4
// using credentials obtained from the identity pool.
package signer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/dnitsch/appsync-anon-auth/internal/credentialexchange"
)

var (
	ErrMissingCredentials = errors.New("no credentials to sign with")
	ErrInvalidRequest     = errors.New("request cannot be signed")
)

// Input describes a request to be signed
type Input struct {
	Method      string
	URL         string
	Body        []byte
	Header      http.Header
	SigningTime time.Time
}

// Signer produces SigV4 headers for a fixed region and service.
// Output depends only on its arguments, the clock is never read.
type Signer struct {
	region  string
	service string
	v4      *v4.Signer
}

func New(region, service string) *Signer {
	return &Signer{
		region:  region,
		service: service,
		v4:      v4.NewSigner(),
	}
}

// Sign returns the headers that authenticate the described request:
// Authorization, X-Amz-Date, Host and, for temporary credentials,
// X-Amz-Security-Token.
func (s *Signer) Sign(ctx context.Context, in Input, creds *credentialexchange.Credentials) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, in.Method, in.URL, bytes.NewReader(in.Body))
	if err != nil {
		return nil, fmt.Errorf("%s, %w", err, ErrInvalidRequest)
	}
	for k, vs := range in.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if err := s.SignRequest(ctx, req, in.Body, in.SigningTime, creds); err != nil {
		return nil, err
	}

	out := http.Header{}
	out.Set("Authorization", req.Header.Get("Authorization"))
	out.Set("X-Amz-Date", req.Header.Get("X-Amz-Date"))
	out.Set("Host", req.URL.Host)
	if tok := req.Header.Get("X-Amz-Security-Token"); tok != "" {
		out.Set("X-Amz-Security-Token", tok)
	}
	return out, nil
}

// SignRequest signs req in place. body must be the exact payload req will send.
func (s *Signer) SignRequest(ctx context.Context, req *http.Request, body []byte, signingTime time.Time, creds *credentialexchange.Credentials) error {
	if creds == nil || creds.AccessKeyId == "" || creds.SecretKey == "" {
		return ErrMissingCredentials
	}
	if req.URL == nil || req.URL.Host == "" {
		return fmt.Errorf("missing host, %w", ErrInvalidRequest)
	}
	if signingTime.IsZero() {
		return fmt.Errorf("missing signing time, %w", ErrInvalidRequest)
	}

	if err := s.v4.SignHTTP(ctx, creds.ToAws(), req, PayloadHash(body), s.service, s.region, signingTime.UTC()); err != nil {
		return fmt.Errorf("%s, %w", err, ErrInvalidRequest)
	}
	return nil
}

// PayloadHash is the hex encoded SHA-256 of body
func PayloadHash(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}
