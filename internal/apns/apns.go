// Package apns sends PassKit update notifications through the Apple Push
// Notification service over HTTP/2, authenticated with the pass signing
// certificate.
package apns

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"github.com/sensiblebit/passkit/internal/config"
	"github.com/sensiblebit/passkit/internal/credentials"
	"github.com/sensiblebit/passkit/internal/metrics"
	"github.com/sensiblebit/passkit/internal/passerr"
)

// Provider hosts.
const (
	ProductionURL = "https://api.push.apple.com"
	SandboxURL    = "https://api.sandbox.push.apple.com"
)

const (
	// PushTypePass is the apns-push-type for wallet pass updates.
	PushTypePass = "pass"

	defaultConcurrency = 8

	// maxResponseBody bounds the error body read from APNs.
	maxResponseBody = 64 * 1024
)

// PassPayload is the body of every pass update push.
var PassPayload = []byte("{}")

// Result is the outcome of one push.
type Result struct {
	Serial string `json:"serial,omitempty"`
	Token  string `json:"token"`
	// Status is the APNs HTTP status, or 0 when the request never completed.
	Status int    `json:"status"`
	Reason string `json:"reason,omitempty"`
	APNsID string `json:"apnsId,omitempty"`
	Err    error  `json:"-"`
}

// OK reports whether APNs accepted the push.
func (r Result) OK() bool {
	return r.Err == nil && r.Status == http.StatusOK
}

// Message describes the failure, or "" when the push was accepted.
func (r Result) Message() string {
	switch {
	case r.Err != nil:
		return r.Err.Error()
	case r.Status != http.StatusOK:
		if r.Reason != "" {
			return fmt.Sprintf("apns status %d: %s", r.Status, r.Reason)
		}
		return fmt.Sprintf("apns status %d", r.Status)
	default:
		return ""
	}
}

// Target is one device to notify about one pass.
type Target struct {
	Serial string
	Token  string
	Topic  string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the certificate-authenticated HTTP/2 client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the provider host.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithMetrics records push outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client sends pushes. The TLS client is built on first use from the
// signing identity, so a service started without credentials can still
// serve everything else.
type Client struct {
	creds       credentials.Source
	baseURL     string
	topic       string
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu         sync.Mutex
	httpClient *http.Client
}

// New creates a push client for the configured environment.
func New(creds credentials.Source, cfg config.APNs, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := ProductionURL
	if cfg.Environment == config.APNsSandbox {
		baseURL = SandboxURL
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	c := &Client{
		creds:       creds,
		baseURL:     baseURL,
		topic:       cfg.Topic,
		concurrency: concurrency,
		timeout:     cfg.Timeout,
		logger:      logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// client returns the HTTP/2 client, building it from the signing identity
// the first time it is needed.
func (c *Client) client(ctx context.Context) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpClient != nil {
		return c.httpClient, nil
	}
	if c.creds == nil {
		return nil, passerr.New(passerr.KindConfiguration, "apns.client", "", errors.New("no signing identity configured"))
	}
	id, err := c.creds.Identity(ctx)
	if err != nil {
		return nil, err
	}
	transport := &http2.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{id.TLSCertificate()},
			MinVersion:   tls.VersionTLS12,
		},
	}
	c.httpClient = &http.Client{Transport: transport, Timeout: c.timeout}
	return c.httpClient, nil
}

// Notify sends one pass update push. Failures are reported in the Result;
// there is no retry.
func (c *Client) Notify(ctx context.Context, token, topic string) Result {
	res := Result{Token: token}
	if topic == "" {
		topic = c.topic
	}
	if token == "" {
		res.Err = errors.New("empty push token")
		c.record(res)
		return res
	}

	hc, err := c.client(ctx)
	if err != nil {
		res.Err = err
		c.record(res)
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/3/device/"+token, bytes.NewReader(PassPayload))
	if err != nil {
		res.Err = fmt.Errorf("building request: %w", err)
		c.record(res)
		return res
	}
	req.Header.Set("apns-topic", topic)
	req.Header.Set("apns-push-type", PushTypePass)
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		res.Err = fmt.Errorf("sending push: %w", err)
		c.record(res)
		return res
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode
	res.APNsID = resp.Header.Get("apns-id")
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Reason string `json:"reason"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err := json.Unmarshal(data, &body); err == nil {
			res.Reason = body.Reason
		}
	} else {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	}
	c.record(res)
	return res
}

// NotifyAll pushes every target with bounded concurrency. Results are in
// target order and independent of each other; targets not yet started when
// ctx is cancelled report the context error.
func (c *Client) NotifyAll(ctx context.Context, targets []Target) []Result {
	results := make([]Result, len(targets))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, target := range targets {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Result{Serial: target.Serial, Token: target.Token, Err: err}
				return nil
			}
			res := c.Notify(ctx, target.Token, target.Topic)
			res.Serial = target.Serial
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Client) record(res Result) {
	status := "error"
	if res.Status != 0 {
		status = strconv.Itoa(res.Status)
	}
	c.metrics.IncrementPush(status)
	if res.OK() {
		c.logger.Debug("push sent", "token", shortToken(res.Token), "apns_id", res.APNsID)
		return
	}
	c.logger.Warn("push failed", "token", shortToken(res.Token), "status", res.Status, "error", res.Message())
}

// shortToken keeps push tokens out of logs in full.
func shortToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "…"
}
